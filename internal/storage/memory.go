package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryStorage is an in-memory ObjectStorage used by tests and local
// development. It is safe for concurrent use.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject

	// FailUploads makes every Upload call return an error when set.
	FailUploads bool
	// FailUploadsAfter fails every upload after this many have succeeded.
	// Zero disables the limit.
	FailUploadsAfter int

	uploads int
}

type memoryObject struct {
	data        []byte
	contentType string
	metadata    Metadata
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]*memoryObject)}
}

// Upload stores an object in memory.
func (s *MemoryStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string, metadata Metadata) error {
	s.mu.Lock()
	if s.FailUploads || (s.FailUploadsAfter > 0 && s.uploads >= s.FailUploadsAfter) {
		s.mu.Unlock()
		return fmt.Errorf("upload of %q refused", key)
	}
	s.mu.Unlock()

	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read object body: %w", err)
	}
	meta := make(Metadata, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	s.mu.Lock()
	s.objects[key] = &memoryObject{data: data, contentType: contentType, metadata: meta}
	s.uploads++
	s.mu.Unlock()
	return nil
}

// Download returns a reader over the stored object bytes.
func (s *MemoryStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// GetProperties returns the stored object's size, content type, and metadata.
func (s *MemoryStorage) GetProperties(ctx context.Context, key string) (*Properties, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return &Properties{
		Size:        int64(len(obj.data)),
		ContentType: obj.contentType,
		Metadata:    obj.metadata,
	}, nil
}

// PresignUpload returns a fake URL; memory storage has no HTTP surface.
func (s *MemoryStorage) PresignUpload(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "memory://" + key, nil
}

// Delete removes an object.
func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Exists checks whether an object is stored.
func (s *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	return ok, nil
}

// Keys returns all stored object keys, for test assertions.
func (s *MemoryStorage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
