// Package store persists project definitions and publishes their changes.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Kind names an entity type for Find.
type Kind string

const (
	KindProject    Kind = "project"
	KindCategory   Kind = "category"
	KindAppender   Kind = "appender"
	KindClient     Kind = "client"
	KindPermission Kind = "permission"
)

// Store is the project repository used by the server and the admin API.
type Store interface {
	// FindProject returns the project with the given name.
	FindProject(ctx context.Context, name string) (*models.Project, error)

	// FindProjectsByClient returns every project listing identity as a
	// client, oldest project first.
	FindProjectsByClient(ctx context.Context, identity string) ([]*models.Project, error)

	// Find returns a single entity by kind and id: *models.Project,
	// models.Category, models.Appender, models.Client or models.Permission.
	Find(ctx context.Context, kind Kind, id int64) (any, error)

	// ListProjects returns every project ordered by id.
	ListProjects(ctx context.Context) ([]*models.Project, error)

	// SaveProject creates or replaces the project with p.Name and returns
	// the stored state with ids assigned.
	SaveProject(ctx context.Context, p *models.Project) (*models.Project, error)

	// DeleteProject removes a project and returns its last state.
	DeleteProject(ctx context.Context, name string) (*models.Project, error)

	Close()
}

type seedFile struct {
	Projects []*models.Project `yaml:"projects"`
}

// LoadSeed saves every project from a YAML seed file into s.
func LoadSeed(ctx context.Context, s Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.UnmarshalStrict(data, &seed); err != nil {
		return 0, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for _, p := range seed.Projects {
		if _, err := s.SaveProject(ctx, p); err != nil {
			return 0, fmt.Errorf("seed project %s: %w", p.Name, err)
		}
	}
	return len(seed.Projects), nil
}
