package blobstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps objects in process. It backs tests and dry local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]Object
}

func NewMemoryStore(prefix string) *MemoryStore {
	return &MemoryStore{prefix: prefix, objects: make(map[string]Object)}
}

func (m *MemoryStore) Put(_ context.Context, key string, payload []byte, opts PutOptions) error {
	full, err := objectKey(m.prefix, key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[full]; ok && opts.CreateOnly {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	m.objects[full] = Object{
		Key:          key,
		Data:         append([]byte(nil), payload...),
		ContentType:  opts.ContentType,
		Metadata:     cloneMetadata(opts.Metadata),
		LastModified: time.Now().UTC(),
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Object, error) {
	full, err := objectKey(m.prefix, key)
	if err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[full]
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	obj.Data = append([]byte(nil), obj.Data...)
	obj.Metadata = cloneMetadata(obj.Metadata)
	return obj, nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	full, err := objectKey(m.prefix, key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[full]
	return ok, nil
}

// Keys lists stored logical keys.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for _, o := range m.objects {
		out = append(out, o.Key)
	}
	return out
}
