package fhir

import (
	"net/url"
	"strings"
)

// RootQuery is the query every purge starts from.
const RootQuery Query = "/"

// Query is a relative path+query addressing one page of search results.
// It is resolved against the server base URL.
type Query string

// String implements fmt.Stringer.
func (q Query) String() string { return string(q) }

// ResourceRef identifies one deletable resource.
type ResourceRef struct {
	Type string
	ID   string
}

// Path returns the resource path relative to the server base URL.
func (r ResourceRef) Path() string {
	return "/" + url.PathEscape(r.Type) + "/" + url.PathEscape(r.ID)
}

// String implements fmt.Stringer.
func (r ResourceRef) String() string {
	return r.Type + "/" + r.ID
}

// Page is one fetched search-result batch.
type Page struct {
	// Resources in the order the server listed them.
	Resources []ResourceRef

	// Next is the continuation query, nil when this is the last page.
	Next *Query
}

// HasNext reports whether the page carries a continuation.
func (p *Page) HasNext() bool {
	return p != nil && p.Next != nil
}

// continuationFrom turns an absolute next-link into a Query relative to basePath.
// Scheme and host are discarded; the same server is always targeted.
func continuationFrom(link string, basePath string) (Query, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", err
	}

	path := u.EscapedPath()
	base := strings.TrimRight(basePath, "/")
	if base != "" && (path == base || strings.HasPrefix(path, base+"/")) {
		path = strings.TrimPrefix(path, base)
	}
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	return Query(path), nil
}
