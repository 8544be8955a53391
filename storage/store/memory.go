package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// MemoryStore keeps projects in process memory. Used when no database is
// configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*models.Project
	nextID   int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]*models.Project)}
}

func (m *MemoryStore) FindProject(_ context.Context, name string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[name]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", name, ErrNotFound)
	}
	return p.Clone(), nil
}

func (m *MemoryStore) FindProjectsByClient(_ context.Context, identity string) ([]*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Project
	for _, p := range m.projects {
		if p.HasClient(identity) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Find(_ context.Context, kind Kind, id int64) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.projects {
		switch kind {
		case KindProject:
			if p.ID == id {
				return p.Clone(), nil
			}
		case KindCategory:
			for _, c := range p.Categories {
				if c.ID == id {
					c.AppenderNames = append([]string(nil), c.AppenderNames...)
					return c, nil
				}
			}
		case KindAppender:
			for _, a := range p.Appenders {
				if a.ID == id {
					return a, nil
				}
			}
		case KindClient:
			for _, c := range p.Clients {
				if c.ID == id {
					return c, nil
				}
			}
		case KindPermission:
			for _, perm := range p.Permissions {
				if perm.ID == id {
					return perm, nil
				}
			}
		default:
			return nil, fmt.Errorf("unknown kind %q", kind)
		}
	}
	return nil, fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
}

func (m *MemoryStore) ListProjects(context.Context) ([]*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveProject(_ context.Context, p *models.Project) (*models.Project, error) {
	if p == nil || p.Name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	stored := p.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.projects[p.Name]; ok {
		stored.ID = prev.ID
	} else {
		m.assign(&stored.ID)
	}
	for i := range stored.Categories {
		m.assign(&stored.Categories[i].ID)
	}
	for i := range stored.Appenders {
		m.assign(&stored.Appenders[i].ID)
	}
	for i := range stored.Clients {
		m.assign(&stored.Clients[i].ID)
	}
	for i := range stored.Permissions {
		m.assign(&stored.Permissions[i].ID)
	}
	m.projects[p.Name] = stored
	return stored.Clone(), nil
}

func (m *MemoryStore) DeleteProject(_ context.Context, name string) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[name]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", name, ErrNotFound)
	}
	delete(m.projects, name)
	return p, nil
}

func (m *MemoryStore) Close() {}

// id must be called with mu held.
func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

// assign gives a zero *id a fresh id and moves the counter past any id the
// caller supplied. Must be called with mu held.
func (m *MemoryStore) assign(id *int64) {
	if *id == 0 {
		*id = m.id()
		return
	}
	if *id > m.nextID {
		m.nextID = *id
	}
}

var _ Store = (*MemoryStore)(nil)
