// Package objectstore provides a NATS JetStream implementation of core.ObjectStore
// used to publish synthesized audio.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/book-expert/comfy-tts-service/internal/core"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ContentTypeHeader is the object header carrying the MIME type of a stored blob.
const ContentTypeHeader = "Content-Type"

// NatsObjectStore implements core.ObjectStore on a JetStream object store bucket.
type NatsObjectStore struct {
	store  nats.ObjectStore
	bucket string
}

// New creates the bucket, or binds to it when it already exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Synthesized audio for the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{store: store, bucket: bucketName}, nil
}

// Get retrieves an object.
func (n *NatsObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key)
	if err != nil {
		return nil, n.wrapLookup("get", key, err)
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

// ContentType returns the MIME type recorded for key, or "" when none was set.
func (n *NatsObjectStore) ContentType(_ context.Context, key string) (string, error) {
	info, err := n.store.GetInfo(key)
	if err != nil {
		return "", n.wrapLookup("stat", key, err)
	}

	return info.Headers.Get(ContentTypeHeader), nil
}

// Put stores data under key with its content type.
func (n *NatsObjectStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	meta := &nats.ObjectMeta{Name: key}
	if contentType != "" {
		meta.Headers = nats.Header{}
		meta.Headers.Set(ContentTypeHeader, contentType)
	}

	_, err := n.store.Put(meta, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

func (n *NatsObjectStore) wrapLookup(action, key string, err error) error {
	if errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("%w: failed to %s object '%s' in bucket '%s': %w", core.ErrObjectNotFound, action, key, n.bucket, err)
	}

	return fmt.Errorf("failed to %s object '%s' in bucket '%s': %w", action, key, n.bucket, err)
}
