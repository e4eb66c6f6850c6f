package storage

import (
	"errors"
	"sync"
)

// ErrInjected is the default error returned by a FaultyStore.
var ErrInjected = errors.New("storage: injected failure")

// Op names a Store method for fault injection.
type Op string

const (
	OpGet       Op = "get"
	OpPut       Op = "put"
	OpDelete    Op = "delete"
	OpDeleteAll Op = "delete-all"
	OpScan      Op = "scan"
	OpApply     Op = "apply"
)

// FaultyStore wraps a Store and fails the operations it is told to. Tests use
// it to drive the persistence failure paths of the actors.
type FaultyStore struct {
	Store

	mu   sync.Mutex
	fail map[Op]error
}

func NewFaultyStore(s Store) *FaultyStore {
	return &FaultyStore{Store: s, fail: make(map[Op]error)}
}

// Fail makes op return err from now on. A nil err uses ErrInjected.
func (f *FaultyStore) Fail(op Op, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.mu.Lock()
	f.fail[op] = err
	f.mu.Unlock()
}

// Heal clears every injected failure.
func (f *FaultyStore) Heal() {
	f.mu.Lock()
	f.fail = make(map[Op]error)
	f.mu.Unlock()
}

func (f *FaultyStore) err(op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[op]
}

func (f *FaultyStore) Get(key string) ([]byte, error) {
	if err := f.err(OpGet); err != nil {
		return nil, err
	}
	return f.Store.Get(key)
}

func (f *FaultyStore) Put(key string, value []byte) error {
	if err := f.err(OpPut); err != nil {
		return err
	}
	return f.Store.Put(key, value)
}

func (f *FaultyStore) Delete(key string) error {
	if err := f.err(OpDelete); err != nil {
		return err
	}
	return f.Store.Delete(key)
}

func (f *FaultyStore) DeleteAll() error {
	if err := f.err(OpDeleteAll); err != nil {
		return err
	}
	return f.Store.DeleteAll()
}

func (f *FaultyStore) Scan(prefix string, order Order, limit int) ([]KV, error) {
	if err := f.err(OpScan); err != nil {
		return nil, err
	}
	return f.Store.Scan(prefix, order, limit)
}

func (f *FaultyStore) Apply(muts ...Mutation) error {
	if err := f.err(OpApply); err != nil {
		return err
	}
	return f.Store.Apply(muts...)
}
