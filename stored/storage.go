package stored

import (
	"context"
	"encoding/json"
	"maps"
	"sync"

	"gopkg.in/yaml.v3"
)

// Storage is a string key/value backend.
type Storage interface {
	// GetItem returns the stored value and whether the key exists.
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// Watcher is implemented by backends that can report changes made outside
// this process. fn is called from the backend's goroutine.
type Watcher interface {
	Watch(key string, fn func()) (stop func(), err error)
}

// MemoryStorage keeps items in a map.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: map[string]string{}}
}

func (m *MemoryStorage) GetItem(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryStorage) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryStorage) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Items returns a copy of the stored items.
func (m *MemoryStorage) Items() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.items)
}

var (
	defaultOnce    sync.Once
	defaultStorage *MemoryStorage
)

// Default returns the process-wide memory storage used when no storage is
// configured.
func Default() *MemoryStorage {
	defaultOnce.Do(func() {
		defaultStorage = NewMemoryStorage()
	})
	return defaultStorage
}

// Codec turns values into stored text and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (jsonCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

type yamlCodec struct{}

func (yamlCodec) Encode(v any) ([]byte, error)    { return yaml.Marshal(v) }
func (yamlCodec) Decode(data []byte, v any) error { return yaml.Unmarshal(data, v) }

var (
	// JSON is the default codec.
	JSON Codec = jsonCodec{}
	YAML Codec = yamlCodec{}
)
