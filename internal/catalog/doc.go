// Package catalog aggregates the entries of every configured source into one
// TTL-cached snapshot.
//
// A snapshot younger than the TTL is served without network calls. When it
// expires, or when it lacks any configured source, all sources are scanned
// again concurrently. Sources that fail keep their previous entries and are
// listed as stale; the merged result becomes the new snapshot. Only when
// every source fails is the previous snapshot served unchanged, and only
// when there is none does Get fail with ErrAllSourcesUnavailable.
//
// Snapshots are replaced atomically, so readers never see a half-updated
// catalog. A Store persists them between runs; BlobStore writes JSON to any
// gocloud bucket URL.
package catalog
