package tempstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"
)

// ErrNoState is returned by LoadState when no usable state exists.
var ErrNoState = errors.New("tempstore: no saved state")

// SegmentStatus represents the state of a segment between runs.
type SegmentStatus string

const (
	// SegmentPending means the segment has not been started yet.
	SegmentPending SegmentStatus = "pending"
	// SegmentInProgress means the segment was being transferred.
	SegmentInProgress SegmentStatus = "in_progress"
	// SegmentCompleted means every byte of the segment is on disk.
	SegmentCompleted SegmentStatus = "completed"
)

// SegmentState tracks one byte range [Start, End) of a part file.
type SegmentState struct {
	Start   int64         `json:"start"`
	End     int64         `json:"end"`
	Written int64         `json:"written"`
	Status  SegmentStatus `json:"status"`
}

// Remaining returns the bytes still missing from the segment.
func (s SegmentState) Remaining() int64 {
	return s.End - s.Start - s.Written
}

// State is the resumable progress of one part file.
type State struct {
	URL       string         `json:"url"`
	ETag      string         `json:"etag,omitempty"`
	TotalSize int64          `json:"total_size"`
	Segments  []SegmentState `json:"segments"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Completed returns the number of bytes recorded as written.
func (s *State) Completed() int64 {
	var n int64
	for _, seg := range s.Segments {
		n += seg.Written
	}
	return n
}

// Store keeps part files and their state side by side in one directory.
// Part files are written with positioned writes through the os package;
// state documents go through a file-backed blob bucket.
type Store struct {
	dir    string
	bucket *blob.Bucket
}

// Open creates the directory if needed and opens the store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tempstore: create %s: %w", dir, err)
	}
	// Temp files stay in dir so the final rename never crosses devices.
	bucket, err := fileblob.OpenBucket(dir, &fileblob.Options{NoTempDir: true})
	if err != nil {
		return nil, fmt.Errorf("tempstore: open bucket: %w", err)
	}
	return &Store{dir: dir, bucket: bucket}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// PartPath returns the part file path for key.
func (s *Store) PartPath(key string) string {
	return filepath.Join(s.dir, key+".part")
}

func stateKey(key string) string {
	return key + ".state.json"
}

// LoadState loads saved state for key. Segments that were in progress are
// reset to pending; their Written count is kept so only the tail is fetched.
// Missing or malformed state returns ErrNoState.
func (s *Store) LoadState(ctx context.Context, key string) (*State, error) {
	data, err := s.bucket.ReadAll(ctx, stateKey(key))
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("tempstore: read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrNoState, err)
	}

	// The part file is the source of truth; without it the state is stale.
	if _, err := os.Stat(s.PartPath(key)); err != nil {
		return nil, ErrNoState
	}

	for i := range st.Segments {
		if st.Segments[i].Status == SegmentInProgress {
			st.Segments[i].Status = SegmentPending
		}
	}
	return &st, nil
}

// SaveState persists state for key.
func (s *Store) SaveState(ctx context.Context, key string, st *State) error {
	st.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return s.bucket.WriteAll(ctx, stateKey(key), data, nil)
}

// Discard removes the part file and state for key.
func (s *Store) Discard(ctx context.Context, key string) error {
	var errs []error
	if err := os.Remove(s.PartPath(key)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove part: %w", err))
	}
	if err := s.bucket.Delete(ctx, stateKey(key)); err != nil && !isNotExist(err) {
		errs = append(errs, fmt.Errorf("delete state: %w", err))
	}
	return errors.Join(errs...)
}

// Forget deletes the state for key and keeps the part file.
func (s *Store) Forget(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, stateKey(key)); err != nil && !isNotExist(err) {
		return fmt.Errorf("tempstore: delete state: %w", err)
	}
	return nil
}

// Close releases the bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
