package radiusdb

import (
	"context"
	"sync"
)

// MemoryStore keeps attribute sets in memory for tests and single-node
// deployments where FreeRADIUS reads through the rest API instead of SQL.
type MemoryStore struct {
	mu   sync.RWMutex
	sets map[string]*AttributeSet
}

// NewMemoryStore creates an empty in-memory attribute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string]*AttributeSet)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Replace(_ context.Context, set *AttributeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[set.Username] = copySet(set)
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, username)
	return nil
}

func (m *MemoryStore) Lookup(_ context.Context, username string) (*AttributeSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.sets[username]
	if !ok {
		return nil, ErrNoAttributes
	}
	return copySet(set), nil
}

func copySet(set *AttributeSet) *AttributeSet {
	out := *set
	out.Check = append([]Attribute(nil), set.Check...)
	out.Reply = append([]Attribute(nil), set.Reply...)
	out.Groups = append([]string(nil), set.Groups...)
	return &out
}
