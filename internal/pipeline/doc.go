// Package pipeline runs one acquisition: catalog retrieval, resolution of
// the selected build, a bounded batch of downloads and placement of every
// artifact as soon as it completes.
//
// A failed job never aborts the batch. The run ends as Success when every
// job was placed, Partial when some were, and Failed when none were or
// when the catalog or resolver failed before any download started.
//
// Events reach the Listener on one goroutine in emission order. Progress
// events of a job are coalesced while the listener is busy, so slow
// presentation never blocks transfer workers.
package pipeline
