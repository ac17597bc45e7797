package fhir

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ParseBundle parses a search-result bundle into a Page.
// basePath is the path of the server base URL; it is stripped from the
// continuation so the returned Query stays relative to the base.
//
// A missing entry array is an empty page. The link array is still scanned and
// the first link with relation "next" supplies the continuation.
func ParseBundle(body []byte, basePath string) (*Page, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedBundle)
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: expected object, got %s", ErrMalformedBundle, root.Type)
	}

	page := &Page{}

	entries := root.Get("entry")
	if entries.Exists() {
		if !entries.IsArray() {
			return nil, fmt.Errorf("%w: entry is not an array", ErrMalformedBundle)
		}

		var parseErr error
		entries.ForEach(func(idx, entry gjson.Result) bool {
			ref, err := parseEntry(entry)
			if err != nil {
				parseErr = fmt.Errorf("%w: entry %d: %v", ErrMalformedBundle, idx.Int(), err)
				return false
			}
			page.Resources = append(page.Resources, ref)
			return true
		})
		if parseErr != nil {
			return nil, parseErr
		}
	}

	links := root.Get("link")
	if links.Exists() && !links.IsArray() {
		return nil, fmt.Errorf("%w: link is not an array", ErrMalformedBundle)
	}

	for _, link := range links.Array() {
		if link.Get("relation").String() != "next" {
			continue
		}

		href := link.Get("url").String()
		if href == "" {
			return nil, fmt.Errorf("%w: next link without url", ErrMalformedBundle)
		}

		next, err := continuationFrom(href, basePath)
		if err != nil {
			return nil, fmt.Errorf("%w: next link: %v", ErrMalformedBundle, err)
		}
		page.Next = &next
		break
	}

	return page, nil
}

func parseEntry(entry gjson.Result) (ResourceRef, error) {
	resource := entry.Get("resource")
	if !resource.IsObject() {
		return ResourceRef{}, fmt.Errorf("resource missing")
	}

	resourceType := resource.Get("resourceType")
	if resourceType.Type != gjson.String || resourceType.Str == "" {
		return ResourceRef{}, fmt.Errorf("resource.resourceType missing")
	}

	id := resource.Get("id")
	if id.Type != gjson.String || id.Str == "" {
		return ResourceRef{}, fmt.Errorf("resource.id missing")
	}

	return ResourceRef{Type: resourceType.Str, ID: id.Str}, nil
}
