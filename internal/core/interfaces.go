// Package core defines the data model, error taxonomy and collaborator
// interfaces shared by the synthesis pipeline and its intake surfaces.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Runner executes one synthesis job from raw, untyped input.
type Runner interface {
	Run(ctx context.Context, raw map[string]any) Outcome
}
