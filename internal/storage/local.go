package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dmcatalog/dmcat/pkg/types"
)

// LocalStorage implements Lister on the local filesystem with S3 prefix
// semantics. This is primarily used for testing and development.
type LocalStorage struct {
	basePath string
	mu       sync.RWMutex
}

// NewLocalStorage creates a new local filesystem storage.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// PutObject writes an object at the given path, creating parent directories.
func (l *LocalStorage) PutObject(ctx context.Context, objectPath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	destPath := l.fullPath(objectPath)
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// ListObjects returns all object paths that start with prefix. Like S3, the
// prefix is a plain string match: "a/data-v1" also matches "a/data-v10/x".
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	// Walk the deepest directory fully covered by the prefix.
	searchDir := l.basePath
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		searchDir = l.fullPath(prefix[:i])
	}

	objects := []string{}
	err := filepath.Walk(searchDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // prefix doesn't exist, return empty list
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListFailed, err)
	}

	sort.Strings(objects)
	return objects, nil
}

// Clear removes all objects from local storage.
// This is useful for test cleanup.
func (l *LocalStorage) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.RemoveAll(l.basePath); err != nil {
		return err
	}
	return os.MkdirAll(l.basePath, 0755)
}

// fullPath returns the full filesystem path for an object.
func (l *LocalStorage) fullPath(objectPath string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(objectPath))
}

// LocalResolver maps each bucket to a subdirectory of a root directory.
type LocalResolver struct {
	root string

	mu      sync.Mutex
	buckets map[string]*LocalStorage
}

// NewLocalResolver creates a resolver rooted at dir.
func NewLocalResolver(dir string) *LocalResolver {
	return &LocalResolver{
		root:    dir,
		buckets: make(map[string]*LocalStorage),
	}
}

// ListerFor returns the local storage standing in for the storage's bucket.
func (r *LocalResolver) ListerFor(_ context.Context, desc types.StorageDescriptor) (Lister, error) {
	return r.Bucket(desc)
}

// Bucket returns the LocalStorage for the storage's bucket, creating it on first use.
func (r *LocalResolver) Bucket(desc types.StorageDescriptor) (*LocalStorage, error) {
	bucket, err := bucketOf(desc)
	if err != nil {
		return nil, fmt.Errorf("storage %q: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.buckets[bucket]; ok {
		return l, nil
	}
	l, err := NewLocalStorage(filepath.Join(r.root, bucket))
	if err != nil {
		return nil, err
	}
	r.buckets[bucket] = l
	return l, nil
}
