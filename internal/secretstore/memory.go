package secretstore

import (
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store used in tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func memKey(service, account string) string {
	return service + "\x00" + account
}

func (m *Memory) Get(service, account string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if account != "" {
		if e, ok := m.entries[memKey(service, account)]; ok {
			return e, nil
		}
		return Entry{}, ErrNotFound
	}
	for _, e := range m.entries {
		if e.Service == service {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

func (m *Memory) Put(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[memKey(e.Service, e.Account)] = e
	return nil
}

func (m *Memory) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for k, e := range m.entries {
		if e.Service != service {
			continue
		}
		if account != "" && e.Account != account {
			continue
		}
		delete(m.entries, k)
		found = true
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (m *Memory) ListServices(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, e := range m.entries {
		if !strings.HasPrefix(e.Service, prefix) {
			continue
		}
		if _, dup := seen[e.Service]; dup {
			continue
		}
		seen[e.Service] = struct{}{}
		out = append(out, e.Service)
	}
	sort.Strings(out)
	return out, nil
}
