package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"

	"github.com/dreamware/tally/internal/cluster"
)

var ErrObjectNotExist = errors.New("object not exist")

var (
	_ BucketHandle = &GCSBucket{}
	_ BucketHandle = &FSBucket{}
)

type BucketHandle interface {
	Object(name string) ObjectHandle
	URI() string
}

type ObjectHandle interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context) (io.WriteCloser, error)
}

// NewBucket opens the bucket selected by backend: "gcs" or "fs".
func NewBucket(ctx context.Context, backend, dir, project, bucket string) (BucketHandle, error) {
	switch backend {
	case "gcs":
		return NewGCSBucket(ctx, project, bucket)
	case "fs":
		return NewFSBucket(dir, bucket)
	}
	return nil, fmt.Errorf("mirror: unknown bucket backend %q", backend)
}

type GCSBucket struct {
	*storage.BucketHandle
	client *storage.Client
	url    string
}

// NewGCSBucket opens bucket, creating it in project when it does not exist.
func NewGCSBucket(ctx context.Context, project, bucket string) (*GCSBucket, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	bkt := client.Bucket(bucket)
	if _, err := bkt.Attrs(ctx); err != nil {
		if err := bkt.Create(ctx, project, nil); err != nil {
			client.Close()
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &GCSBucket{bkt, client, "https://storage.googleapis.com/" + bucket}, nil
}

// Close releases the underlying client.
func (b *GCSBucket) Close() error { return b.client.Close() }

func (b *GCSBucket) Object(name string) ObjectHandle {
	return &GCSObject{b.BucketHandle.Object(name)}
}

func (b *GCSBucket) URI() string { return b.url }

type GCSObject struct {
	*storage.ObjectHandle
}

func (o *GCSObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	r, err := o.ObjectHandle.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrObjectNotExist
	}
	return r, err
}

func (o *GCSObject) NewWriter(ctx context.Context) (io.WriteCloser, error) {
	w := o.ObjectHandle.NewWriter(ctx)
	w.ContentType = "application/json"
	return w, nil
}

// FSBucket stores objects as files under dir/bucket.
type FSBucket struct {
	root string
}

func NewFSBucket(dir, bucket string) (*FSBucket, error) {
	root, err := filepath.Abs(filepath.Join(dir, filepath.Clean(bucket)))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FSBucket{root: root}, nil
}

func (b *FSBucket) Object(name string) ObjectHandle {
	return &FSObject{filename: filepath.Join(b.root, filepath.FromSlash(name))}
}

func (b *FSBucket) URI() string { return b.root }

type FSObject struct {
	filename string
}

func (o *FSObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	r, err := os.Open(o.filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotExist
	}
	return r, err
}

// NewWriter writes to a temporary file that replaces the object on Close, so
// readers never see a partial snapshot.
func (o *FSObject) NewWriter(ctx context.Context) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(o.filename), 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(o.filename), ".tmp-*")
	if err != nil {
		return nil, err
	}
	return &atomicFile{File: f, target: o.filename}, nil
}

type atomicFile struct {
	*os.File
	target string
}

func (f *atomicFile) Close() error {
	if err := f.File.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	if err := os.Rename(f.Name(), f.target); err != nil {
		os.Remove(f.Name())
		return err
	}
	return nil
}

// BucketStore keeps one JSON object per partition at <partition>/total.json.
type BucketStore struct {
	bucket BucketHandle
}

func NewBucketStore(b BucketHandle) *BucketStore {
	return &BucketStore{bucket: b}
}

// Close closes the bucket when it holds a client.
func (s *BucketStore) Close() error {
	if c, ok := s.bucket.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func objectName(partition string) string {
	return partition + "/total.json"
}

func (s *BucketStore) Read(ctx context.Context, partition string) (Snapshot, error) {
	r, err := s.bucket.Object(objectName(partition)).NewReader(ctx)
	if errors.Is(err, ErrObjectNotExist) {
		return empty(partition), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read mirror %s: %w", partition, err)
	}
	defer r.Close()

	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode mirror %s: %w", partition, err)
	}
	if snap.Counters == nil {
		snap.Counters = cluster.CounterSet{}
	}
	return snap, nil
}

func (s *BucketStore) Write(ctx context.Context, snap Snapshot) error {
	if snap.Partition == "" {
		return errors.New("mirror: empty partition")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	w, err := s.bucket.Object(objectName(snap.Partition)).NewWriter(ctx)
	if err != nil {
		return fmt.Errorf("write mirror %s: %w", snap.Partition, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write mirror %s: %w", snap.Partition, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write mirror %s: %w", snap.Partition, err)
	}
	return nil
}
