// Package progress provides the byte accounting used by the segmented
// downloader.
//
// A [Meter] is shared by every segment worker of one artifact transfer:
// workers call [Meter.Add] after each positioned write, and a single reporting
// goroutine calls [Meter.Sample] on a ticker to obtain the aggregate byte count
// and transfer rate. A [Throttle] limits how often samples are forwarded to a
// sink, so a fast transfer cannot flood the presentation layer.
//
// # Usage
//
//	meter := progress.NewMeter(totalSize)
//
//	// in each segment worker
//	meter.Add(int64(n))
//
//	// in the reporter
//	s := meter.Sample()
//	fmt.Printf("%.1f%% %s\n", s.Percent(), progress.FormatRate(s.Rate))
package progress
