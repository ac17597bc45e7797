// Package traversal runs a self-feeding, bounded worker pool over paginated
// FHIR search results.
//
// A Queue holds the pending queries. Each of its W workers takes one query,
// hands it to a Handler, and enqueues the continuation the handler returns.
// The queue is drained when nothing is pending and no worker is busy; both
// are checked under the same lock that guards enqueue and dequeue, so a
// worker that finds no continuation can never end the traversal while a
// sibling is still about to post one.
//
// Engine is the Handler used by the purge: it acquires one token per page,
// fetches the page, deletes its resources in entry order, then returns the
// page's next link.
//
// Example usage:
//
//	engine := traversal.NewEngine(fhirClient, tokens, newDeleter, traversal.DefaultConfig())
//	if err := engine.Run(ctx, fhir.RootQuery); err != nil {
//		log.Fatal().Err(err).Str("class", string(fhir.ClassOf(err))).Msg("Purge failed")
//	}
//
// The first fatal error (fetch, auth, exhausted delete, panic, cancellation)
// is latched. No new queries are admitted after that, in-flight requests see
// a cancelled context, and Run returns the latched error.
package traversal
