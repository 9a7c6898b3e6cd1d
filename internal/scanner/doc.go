// Package scanner queries remote release catalogs and normalizes what they
// publish into build entries.
//
// Each source kind implements [Kind]: FetchRaw retrieves documents and Parse
// turns them into entries. The [Scanner] then normalizes the batch by
// stamping source metadata, probing missing sizes with HEAD, dropping
// duplicates and ordering newest first. Kinds are picked from configuration
// by name:
//
//   - lineage-api: the LineageOS per-device build API
//   - github-releases: one repository per version in a GitHub organisation
//   - static-index: links scraped from an HTML directory listing
//
// Entries that fail to parse are skipped and counted; they never fail the
// source. Rate limiting is reported as [ErrRateLimited] so the catalog can
// keep serving the previous results for that source.
package scanner
