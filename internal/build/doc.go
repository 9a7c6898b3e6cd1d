// Package build defines the records that flow through the acquisition
// pipeline: catalog entries discovered by the scanner, the artifact jobs the
// resolver derives from a selection, and the placement roles that decide where
// each artifact lands.
//
// All types here are plain values. A BuildEntry is never mutated after the
// scanner produces it, and a DownloadSet is handed from the resolver to the
// orchestrator by value.
//
// # Versions
//
// Versions are compared with [CompareVersions]. Both semantic versions
// ("14", "21.0", "14.0.0") and date stamps ("20240115") parse as semantic
// versions, so a single ordering covers every family. Strings that do not
// parse fall back to a plain lexical comparison and never compare equal to a
// parseable version.
package build
