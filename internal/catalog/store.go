package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// DefaultKey is the object name of the persisted snapshot.
const DefaultKey = "catalog.json"

// ErrCacheMiss is returned by Load when no usable snapshot is stored.
var ErrCacheMiss = errors.New("catalog: cache miss")

// Store persists snapshots between runs.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// BlobStore keeps the snapshot as a JSON object in a gocloud bucket.
type BlobStore struct {
	bucket *blob.Bucket
	key    string
}

// OpenBlobStore opens a bucket URL such as "file:///home/me/.cache/depot"
// or "mem://". File buckets are created if missing. An empty key uses
// DefaultKey.
func OpenBlobStore(ctx context.Context, bucketURL, key string) (*BlobStore, error) {
	if key == "" {
		key = DefaultKey
	}

	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse cache url: %w", err)
	}

	var bucket *blob.Bucket
	if u.Scheme == "file" {
		if err := os.MkdirAll(u.Path, 0o755); err != nil {
			return nil, fmt.Errorf("catalog: create cache dir: %w", err)
		}
		bucket, err = fileblob.OpenBucket(u.Path, &fileblob.Options{NoTempDir: true})
	} else {
		bucket, err = blob.OpenBucket(ctx, bucketURL)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: open cache bucket: %w", err)
	}

	return &BlobStore{bucket: bucket, key: key}, nil
}

// Load reads the snapshot. Absent, unreadable-as-JSON or outdated content
// returns ErrCacheMiss.
func (s *BlobStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := s.bucket.ReadAll(ctx, s.key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("catalog: read cache: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}
	if snap.Format != snapshotFormat || snap.Sources == nil {
		return nil, fmt.Errorf("%w: unsupported format %d", ErrCacheMiss, snap.Format)
	}
	return &snap, nil
}

// Save writes the snapshot.
func (s *BlobStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshal: %w", err)
	}
	if err := s.bucket.WriteAll(ctx, s.key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("catalog: write cache: %w", err)
	}
	return nil
}

// Close releases the bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}
