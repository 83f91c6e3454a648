package storage

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type memoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	puts  int
}

// Memory keeps blobs in process. FailPut, when set, is consulted before
// every write.
type Memory struct {
	store   *memoryStore
	prefix  string
	FailPut func(path string) error
}

func NewMemory() *Memory {
	return &Memory{store: &memoryStore{blobs: map[string][]byte{}}}
}

func (m *Memory) Root() string {
	return "memory://" + m.prefix
}

func (m *Memory) IsRemote() bool {
	return false
}

func (m *Memory) Sub(prefix string) Endpoint {
	return &Memory{store: m.store, prefix: path.Join(m.prefix, prefix), FailPut: m.FailPut}
}

func (m *Memory) key(p string) string {
	return strings.TrimPrefix(path.Join(m.prefix, p), "/")
}

func (m *Memory) Get(_ context.Context, p string) ([]byte, error) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	data, ok := m.store.blobs[m.key(p)]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, p)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Put(_ context.Context, p string, data []byte) error {
	if m.FailPut != nil {
		if err := m.FailPut(p); err != nil {
			return err
		}
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.store.blobs[m.key(p)] = append([]byte(nil), data...)
	m.store.puts++
	return nil
}

func (m *Memory) Exists(_ context.Context, p string) (bool, error) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	_, ok := m.store.blobs[m.key(p)]
	return ok, nil
}

func (m *Memory) List(_ context.Context, dir string, recursive bool) ([]string, error) {
	prefix := m.key(dir)
	if prefix != "" {
		prefix += "/"
	}
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	var out []string
	for k := range m.store.blobs {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if !recursive && strings.Contains(rest, "/") {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(k, m.prefix), "/")
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

// Puts is the number of successful writes across every view of the store.
func (m *Memory) Puts() int {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	return m.store.puts
}
