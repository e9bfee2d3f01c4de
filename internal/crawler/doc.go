// Package crawler defines the core domain of the crime-news crawler: records,
// site identifiers, the continuation values that link a follow-up fetch back to
// the parser state that requested it, per-session crawl state, deduplication,
// and the typed errors shared by every stage.
package crawler
