// Package testutils provides shared test infrastructure: an HTTP file server
// with range support and fault injection, and container helpers for
// integration tests.
package testutils

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// TestFile is a file served by the test server.
type TestFile struct {
	Name string
	Data []byte
}

// ServerOptions injects server behaviour.
type ServerOptions struct {
	// NoRanges ignores Range headers and omits Accept-Ranges.
	NoRanges bool

	// IgnoreRanges advertises range support but answers every GET with
	// the whole body.
	IgnoreRanges bool

	// NoHead answers HEAD with 405.
	NoHead bool

	// FailFirst answers the first N GET requests with 503.
	FailFirst int

	// FailAlways answers every GET with 503.
	FailAlways bool

	// TruncateFirst cuts the body of the first N GET requests in half.
	TruncateFirst int

	// ChunkDelay sleeps between 32KiB writes of each body.
	ChunkDelay time.Duration
}

// Server is a running test file server.
type Server struct {
	*httptest.Server

	opts      ServerOptions
	files     map[string][]byte
	gets      atomic.Int64
	heads     atomic.Int64
	truncated atomic.Int64
}

// GenerateTestData generates test data of the given size.
// For files <= 10MB, uses deterministic pattern. For larger files, uses random data.
func GenerateTestData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte(i % 251)
		}
	} else {
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("generate random data: %v", err)
		}
	}
	return data
}

// SHA256 returns the checksum of data in the catalog's "sha256:<hex>" form.
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// StartTestHTTPServer starts an HTTP server that serves files with range
// request support. It is closed when the test ends.
func StartTestHTTPServer(t *testing.T, files []TestFile, opts ServerOptions) *Server {
	t.Helper()

	s := &Server{opts: opts, files: make(map[string][]byte)}
	for _, f := range files {
		s.files["/"+f.Name] = f.Data
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// FileURL returns the URL of a served file.
func (s *Server) FileURL(name string) string {
	return s.URL + "/" + name
}

// Gets returns the number of GET requests served.
func (s *Server) Gets() int64 {
	return s.gets.Load()
}

// Heads returns the number of HEAD requests served.
func (s *Server) Heads() int64 {
	return s.heads.Load()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	data, ok := s.files[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	size := int64(len(data))
	etag := fmt.Sprintf(`"%x"`, sha256.Sum256([]byte(r.URL.Path)))

	if r.Method == http.MethodHead {
		s.heads.Add(1)
		if s.opts.NoHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.Header().Set("ETag", etag)
		if !s.opts.NoRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		return
	}

	n := s.gets.Add(1)
	if s.opts.FailAlways || n <= int64(s.opts.FailFirst) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	start, end := int64(0), size-1
	partial := false
	if rh := r.Header.Get("Range"); rh != "" && !s.opts.NoRanges && !s.opts.IgnoreRanges {
		parts := strings.Split(strings.TrimPrefix(rh, "bytes="), "-")
		start, _ = strconv.ParseInt(parts[0], 10, 64)
		end, _ = strconv.ParseInt(parts[1], 10, 64)
		if start >= size {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if end >= size {
			end = size - 1
		}
		partial = true
	}

	body := data[start : end+1]
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("ETag", etag)
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.WriteHeader(http.StatusPartialContent)
	}

	// A short body with a full Content-Length makes the server drop the
	// connection, which the client sees as an unexpected EOF.
	if s.truncated.Add(1) <= int64(s.opts.TruncateFirst) {
		body = body[:len(body)/2]
	}

	const chunk = 32 * 1024
	for len(body) > 0 {
		if s.opts.ChunkDelay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.opts.ChunkDelay):
			}
		}
		k := min(chunk, len(body))
		if _, err := w.Write(body[:k]); err != nil {
			return
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		body = body[k:]
	}
}

// CompareFileToData fails the test unless the file at path holds expected.
func CompareFileToData(t *testing.T, path string, expected []byte) {
	t.Helper()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if len(got) != len(expected) {
		t.Fatalf("size mismatch: got %d bytes, want %d", len(got), len(expected))
	}
	if !bytes.Equal(got, expected) {
		for i := range got {
			if got[i] != expected[i] {
				t.Fatalf("data mismatch at offset %d", i)
			}
		}
	}
}
