package progress

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Sample is a point-in-time view of a transfer.
type Sample struct {
	Bytes   int64
	Total   int64
	Rate    float64 // bytes per second since the previous sample
	Elapsed time.Duration
}

// Percent returns completion in [0, 100], or 0 when the total is unknown.
func (s Sample) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	p := float64(s.Bytes) / float64(s.Total) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Meter aggregates byte counts reported by concurrent segment workers.
// Add is lock-free; Sample serialises rate computation.
type Meter struct {
	total     int64
	bytes     atomic.Int64
	inFlight  atomic.Int32
	startTime time.Time

	mu         sync.Mutex
	lastSample time.Time
	lastBytes  int64
	now        func() time.Time
}

// NewMeter creates a meter for a transfer of total bytes (<= 0 if unknown).
// Bytes already present from a previous attempt can be seeded with Add.
func NewMeter(total int64) *Meter {
	m := &Meter{total: total, now: time.Now}
	m.startTime = m.now()
	m.lastSample = m.startTime
	return m
}

// Add records n transferred bytes.
func (m *Meter) Add(n int64) {
	m.bytes.Add(n)
}

// SegmentStarted marks a segment as in flight.
func (m *Meter) SegmentStarted() {
	m.inFlight.Add(1)
}

// SegmentFinished marks a segment as no longer in flight.
func (m *Meter) SegmentFinished() {
	m.inFlight.Add(-1)
}

// InFlight returns the number of segments currently transferring.
func (m *Meter) InFlight() int {
	return int(m.inFlight.Load())
}

// Bytes returns the bytes recorded so far.
func (m *Meter) Bytes() int64 {
	return m.bytes.Load()
}

// Sample returns the current totals and the rate since the last sample.
func (m *Meter) Sample() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	completed := m.bytes.Load()

	elapsed := now.Sub(m.lastSample).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	rate := float64(completed-m.lastBytes) / elapsed

	m.lastSample = now
	m.lastBytes = completed

	return Sample{
		Bytes:   completed,
		Total:   m.total,
		Rate:    rate,
		Elapsed: now.Sub(m.startTime),
	}
}

// Throttle decides whether a progress update is worth emitting: at most one
// per Interval, unless at least MinBytes accumulated since the last one.
type Throttle struct {
	Interval time.Duration
	MinBytes int64

	mu        sync.Mutex
	lastAt    time.Time
	lastBytes int64
}

// Allow reports whether an update at (now, bytes) should be emitted and
// records it if so.
func (t *Throttle) Allow(now time.Time, bytes int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if bytes == t.lastBytes && !t.lastAt.IsZero() {
		return false
	}
	due := t.lastAt.IsZero() || now.Sub(t.lastAt) >= t.Interval
	if !due && (t.MinBytes <= 0 || bytes-t.lastBytes < t.MinBytes) {
		return false
	}
	t.lastAt = now
	t.lastBytes = bytes
	return true
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KiB = 1024
		MiB = KiB * 1024
		GiB = MiB * 1024
		TiB = GiB * 1024
	)

	switch {
	case b >= TiB:
		return fmt.Sprintf("%.1f TiB", float64(b)/float64(TiB))
	case b >= GiB:
		return fmt.Sprintf("%.1f GiB", float64(b)/float64(GiB))
	case b >= MiB:
		return fmt.Sprintf("%.1f MiB", float64(b)/float64(MiB))
	case b >= KiB:
		return fmt.Sprintf("%.1f KiB", float64(b)/float64(KiB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// FormatDuration formats a duration as a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

// FormatRate formats a bytes-per-second rate.
func FormatRate(bps float64) string {
	return formatBytes(int64(bps)) + "/s"
}

// ParseBytes parses a human-readable byte string (e.g., "8MB", "8MiB").
// Both spellings are binary multiples.
func ParseBytes(s string) (int64, error) {
	var multiplier int64 = 1
	s = strings.TrimSpace(s)
	s = strings.Replace(s, "iB", "B", 1)

	switch {
	case strings.HasSuffix(s, "TB"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "B"):
		s = s[:len(s)-1]
	}

	var value float64
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &value)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative byte string: %s", s)
	}

	return int64(value * float64(multiplier)), nil
}
