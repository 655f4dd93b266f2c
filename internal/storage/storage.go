// Package storage provides the object storage listing used to find physical
// data that has no catalog record.
package storage

import (
	"context"
	"errors"

	"github.com/dmcatalog/dmcat/pkg/types"
)

// Common errors for storage operations.
var (
	ErrListFailed          = errors.New("list failed")
	ErrWriteFailed         = errors.New("write failed")
	ErrUnsupportedPlatform = errors.New("storage platform is not an object storage")
	ErrBucketRequired      = errors.New("storage has no bucket name attribute")
)

// Lister lists objects in an object storage.
type Lister interface {
	// ListObjects returns all object paths under the given prefix, in
	// lexical order. A prefix with no objects yields an empty slice and no
	// error; errors are reserved for transport or authorization failures.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// Resolver hands out the Lister backing a catalog storage.
type Resolver interface {
	ListerFor(ctx context.Context, desc types.StorageDescriptor) (Lister, error)
}

// StaticResolver serves the same Lister for every storage.
type StaticResolver struct {
	Lister Lister
}

// ListerFor returns the wrapped Lister.
func (r StaticResolver) ListerFor(_ context.Context, _ types.StorageDescriptor) (Lister, error) {
	return r.Lister, nil
}

// bucketOf extracts the bucket of an object-storage descriptor.
func bucketOf(desc types.StorageDescriptor) (string, error) {
	params, ok := desc.ObjectStore()
	if !ok {
		return "", ErrUnsupportedPlatform
	}
	if params.Bucket == "" {
		return "", ErrBucketRequired
	}
	return params.Bucket, nil
}
