// Package downloader fetches artifact jobs into the temporary store with
// parallel HTTP range requests.
//
// Each call to Engine.Download drives one job through an explicit state
// machine:
//
//	Probing -> Splitting -> Transferring <-> Retrying -> Assembling -> Verifying -> Done
//
// Probing learns the size and range support with a HEAD request. Splitting
// divides the file into contiguous half-open ranges and pre-allocates the
// part file. Transferring runs one worker per range; each worker writes at
// its own offset, so no two workers touch the same bytes. A failed range is
// retried from the byte it stopped at with exponential backoff and jitter.
//
// # Degradation
//
// A server that rejects HEAD, reports no size or answers a range request
// with the whole body is downloaded as a single plain GET. Verification
// still applies.
//
// # Cancellation
//
// Download returns only after every worker has stopped. With Resumable set,
// a cancelled or failed ranged transfer keeps its part file and segment
// state in the store; otherwise the partial file is removed.
package downloader
