// Package http provides the HTTP client shared by the scanner and the
// segmented downloader.
//
// This package handles:
//   - Connection pooling for many parallel segments per host
//   - HEAD requests to discover size, ETag and range support
//   - Single-attempt ranged and plain transfers (the downloader owns retry)
//   - Retried metadata fetches with exponential backoff and jitter
//   - Status classification, including rate limiting (429, or 403 with
//     X-RateLimit-Remaining: 0)
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	// Get file info
//	info, err := client.Head(ctx, url)
//	// info.Size, info.ETag, info.AcceptsRanges
//
//	// Fetch a catalog document with an access token
//	body, err := client.Fetch(ctx, apiURL, http.WithToken(token))
//
//	// Open a range
//	resp, err := client.OpenRange(ctx, url, startByte, endByte)
//	defer resp.Body.Close()
package http
