package blobstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store used by tests. It counts writes so tests can
// assert that deduplicated ingests never touch the object store twice.
type Memory struct {
	mu        sync.Mutex
	objects   map[string][]byte
	PutCalls  int
	putByName map[string]int
}

func NewMemory() *Memory {
	return &Memory{objects: map[string][]byte{}, putByName: map[string]int{}}
}

func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalls++
	m.putByName[key]++
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, notFound(key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

// PutsFor reports how many times key was written.
func (m *Memory) PutsFor(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putByName[key]
}
