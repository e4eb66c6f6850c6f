package storage

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// Order selects the key order of a Scan.
type Order int

const (
	Ascending Order = iota
	Descending
)

// KV is one key/value pair returned by Scan.
type KV struct {
	Key   string
	Value []byte
}

// Mutation is one write inside an Apply batch. A mutation with Delete set
// removes Key and ignores Value.
type Mutation struct {
	Key    string
	Value  []byte
	Delete bool
}

// Set returns a mutation that stores value under key.
func Set(key string, value []byte) Mutation {
	return Mutation{Key: key, Value: value}
}

// Remove returns a mutation that deletes key.
func Remove(key string) Mutation {
	return Mutation{Key: key, Delete: true}
}

// Store is the durable key-value state of exactly one actor instance.
// All implementations must be thread-safe for concurrent access, and every
// write must be durable when the call returns.
type Store interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// Put stores a value with the given key
	// Overwrites any existing value for the key
	Put(key string, value []byte) error

	// Delete removes a key-value pair
	// No error if key doesn't exist
	Delete(key string) error

	// DeleteAll removes every key of the instance.
	DeleteAll() error

	// Scan returns the pairs whose key starts with prefix, sorted by key in
	// the given order. A positive limit caps the number of pairs returned.
	Scan(prefix string, order Order, limit int) ([]KV, error)

	// Apply performs all mutations atomically, in order.
	Apply(muts ...Mutation) error
}

// Provider hands out stores scoped to one named instance each.
type Provider interface {
	// Open returns the store of instance. Opening the same instance twice
	// returns views of the same data.
	Open(instance string) (Store, error)

	Close() error
}

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu   sync.RWMutex      // Protects concurrent access
	data map[string][]byte // Key-value storage
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get returns a copy of the value stored under key.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	return clone(value), nil
}

// Put stores a copy of value under key.
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = clone(value)
	return nil
}

// Delete removes a key-value pair
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryStore) DeleteAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[string][]byte)
	return nil
}

// Scan returns copies of the matching pairs in byte-wise key order.
func (m *MemoryStore) Scan(prefix string, order Order, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	if order == Descending {
		slices.Reverse(keys)
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]KV, 0, len(keys))
	for _, key := range keys {
		out = append(out, KV{Key: key, Value: clone(m.data[key])})
	}
	return out, nil
}

// Apply holds the write lock for the whole batch.
func (m *MemoryStore) Apply(muts ...Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mut := range muts {
		if mut.Delete {
			delete(m.data, mut.Key)
			continue
		}
		m.data[mut.Key] = clone(mut.Value)
	}
	return nil
}

// Len returns the number of keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// MemoryProvider keeps one MemoryStore per instance for the life of the
// process.
type MemoryProvider struct {
	mu     sync.Mutex
	stores map[string]*MemoryStore
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{stores: make(map[string]*MemoryStore)}
}

func (p *MemoryProvider) Open(instance string) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stores[instance]
	if !ok {
		s = NewMemoryStore()
		p.stores[instance] = s
	}
	return s, nil
}

func (p *MemoryProvider) Close() error { return nil }
