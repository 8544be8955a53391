package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tusury/vt-middleware-sub006/internal/changebus"
	"github.com/tusury/vt-middleware-sub006/internal/configurator"
	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// Admin is the administrative change interface. Every successful write
// publishes its delta; the call returns as soon as the write is persisted.
// Writes through one Admin are serialised so each delta is computed against
// the state it replaces.
type Admin struct {
	mu        sync.Mutex
	store     Store
	publisher changebus.Publisher
	logger    *zap.SugaredLogger
}

// NewAdmin creates an Admin writing to s and publishing to pub.
func NewAdmin(s Store, pub changebus.Publisher, logger *zap.SugaredLogger) *Admin {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Admin{store: s, publisher: pub, logger: logger}
}

// Save validates and stores p, then publishes the clients it lost and the
// new project state.
func (a *Admin) Save(ctx context.Context, p *models.Project) (*models.Project, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.save(ctx, p)
}

func (a *Admin) save(ctx context.Context, p *models.Project) (*models.Project, error) {
	if err := configurator.Validate(p); err != nil {
		return nil, err
	}
	before, err := a.store.FindProject(ctx, p.Name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	saved, err := a.store.SaveProject(ctx, p)
	if err != nil {
		return nil, err
	}

	removed := models.RemovedClients(before, saved)
	a.publisher.Publish(changebus.Change{Project: saved, RemovedClients: removed})
	a.logger.Infof("Saved project %s (%d categories, %d appenders, %d clients, %d removed)",
		saved.Name, len(saved.Categories), len(saved.Appenders), len(saved.Clients), len(removed))
	return saved, nil
}

// Delete removes a project and publishes its removal.
func (a *Admin) Delete(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	deleted, err := a.store.DeleteProject(ctx, name)
	if err != nil {
		return err
	}
	a.publisher.Publish(changebus.Change{Project: deleted, ProjectRemoved: true})
	a.logger.Infof("Deleted project %s", name)
	return nil
}

// SetPermission grants perm on a project, replacing any grant to the same
// principal.
func (a *Admin) SetPermission(ctx context.Context, project string, perm models.Permission) (*models.Project, error) {
	if perm.Principal == "" {
		return nil, fmt.Errorf("permission principal is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p, err := a.store.FindProject(ctx, project)
	if err != nil {
		return nil, err
	}
	replaced := false
	for i, existing := range p.Permissions {
		if existing.Principal == perm.Principal {
			perm.ID = existing.ID
			p.Permissions[i] = perm
			replaced = true
			break
		}
	}
	if !replaced {
		p.Permissions = append(p.Permissions, perm)
	}
	return a.save(ctx, p)
}

// RemovePermission revokes the permission with id from a project.
func (a *Admin) RemovePermission(ctx context.Context, project string, id int64) (*models.Project, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, err := a.store.FindProject(ctx, project)
	if err != nil {
		return nil, err
	}
	kept := p.Permissions[:0]
	for _, perm := range p.Permissions {
		if perm.ID != id {
			kept = append(kept, perm)
		}
	}
	if len(kept) == len(p.Permissions) {
		return nil, fmt.Errorf("permission %d on project %s: %w", id, project, ErrNotFound)
	}
	p.Permissions = kept
	return a.save(ctx, p)
}
