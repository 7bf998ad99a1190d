// Package objectstore keeps media bytes in a JetStream object store bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrNotFound is returned when a key is not in the bucket.
var ErrNotFound = errors.New("object not found")

// Store reads and writes media objects in one bucket.
type Store struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket, or binds to it when it already exists. Objects
// expire after ttl; zero keeps them forever.
func New(js nats.JetStreamContext, bucket string, ttl time.Duration) (*Store, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Media exchanged through the %s bucket.", bucket),
		TTL:         ttl,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucket, err)
		}
		store, err = js.ObjectStore(bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucket, err)
		}
	}
	return &Store{bucket: bucket, store: store}, nil
}

func (s *Store) Bucket() string { return s.bucket }

// Download retrieves an object.
func (s *Store) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.store.Get(key, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}
	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}
	return data, nil
}

// Upload saves an object under key, replacing any previous content.
func (s *Store) Upload(ctx context.Context, key, contentType string, data []byte) error {
	meta := &nats.ObjectMeta{Name: key}
	if contentType != "" {
		meta.Headers = nats.Header{"Content-Type": []string{contentType}}
	}
	if _, err := s.store.Put(meta, bytes.NewReader(data), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, s.bucket, err)
	}
	return nil
}

// Delete removes an object. Missing objects are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := s.store.Delete(key); err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", key, s.bucket, err)
	}
	return nil
}
