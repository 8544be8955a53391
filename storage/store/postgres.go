package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"github.com/tusury/vt-middleware-sub006/config"
	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// Schema creates the project tables. Applied by NewPostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS appenders (
	id         BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	params     JSONB NOT NULL DEFAULT '{}',
	UNIQUE (project_id, name)
);
CREATE TABLE IF NOT EXISTS categories (
	id         BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	level      TEXT NOT NULL DEFAULT '',
	additivity BOOLEAN NOT NULL DEFAULT TRUE,
	appenders  TEXT[] NOT NULL DEFAULT '{}',
	UNIQUE (project_id, name)
);
CREATE TABLE IF NOT EXISTS clients (
	id         BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	UNIQUE (project_id, name)
);
CREATE INDEX IF NOT EXISTS clients_name_idx ON clients (name);
CREATE TABLE IF NOT EXISTS permissions (
	id         BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	principal  TEXT NOT NULL,
	bits       INT NOT NULL,
	UNIQUE (project_id, principal)
);
`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PostgresStore implements Store on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.SugaredLogger
}

// NewPostgresStore connects to the database and applies Schema.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.SugaredLogger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.MinConns = int32(cfg.MinConnections)
	poolCfg.MaxConnIdleTime = cfg.MaxIdleTime
	poolCfg.MaxConnLifetime = cfg.MaxLifetime

	pool, err := pgxpool.ConnectConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to apply schema: %w", err)
	}

	logger.Infow("Database connection pool initialized", cfg.Fields()...)
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) FindProject(ctx context.Context, name string) (*models.Project, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT id FROM projects WHERE name = $1`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find project %s: %w", name, err)
	}
	return loadProject(ctx, s.pool, id)
}

func (s *PostgresStore) FindProjectsByClient(ctx context.Context, identity string) ([]*models.Project, error) {
	return s.projects(ctx, `
		SELECT p.id FROM projects p
		JOIN clients c ON c.project_id = p.id
		WHERE c.name = $1
		ORDER BY p.id`, identity)
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	return s.projects(ctx, `SELECT id FROM projects ORDER BY id`)
}

func (s *PostgresStore) projects(ctx context.Context, sql string, args ...interface{}) ([]*models.Project, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.Project, 0, len(ids))
	for _, id := range ids {
		p, err := loadProject(ctx, s.pool, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *PostgresStore) Find(ctx context.Context, kind Kind, id int64) (any, error) {
	var (
		row pgx.Row
		out any
		err error
	)
	switch kind {
	case KindProject:
		p, err := loadProject(ctx, s.pool, id)
		if err != nil {
			return nil, err
		}
		return p, nil
	case KindCategory:
		var c models.Category
		row = s.pool.QueryRow(ctx, `SELECT id, name, level, additivity, appenders FROM categories WHERE id = $1`, id)
		err = row.Scan(&c.ID, &c.Name, &c.Level, &c.Additivity, &c.AppenderNames)
		out = c
	case KindAppender:
		var a models.Appender
		row = s.pool.QueryRow(ctx, `SELECT id, name, type, params FROM appenders WHERE id = $1`, id)
		err = row.Scan(&a.ID, &a.Name, &a.Type, &a.Params)
		out = a
	case KindClient:
		var c models.Client
		row = s.pool.QueryRow(ctx, `SELECT id, name FROM clients WHERE id = $1`, id)
		err = row.Scan(&c.ID, &c.Name)
		out = c
	case KindPermission:
		var p models.Permission
		row = s.pool.QueryRow(ctx, `SELECT id, principal, bits FROM permissions WHERE id = $1`, id)
		err = row.Scan(&p.ID, &p.Principal, &p.Bits)
		out = p
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find %s %d: %w", kind, id, err)
	}
	return out, nil
}

// SaveProject replaces the project's rows in one transaction. Child rows keep
// their ids when the caller supplies them.
func (s *PostgresStore) SaveProject(ctx context.Context, p *models.Project) (*models.Project, error) {
	if p == nil || p.Name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	var saved *models.Project
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO projects (name) VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`, p.Name).Scan(&id)
		if err != nil {
			return fmt.Errorf("upsert project: %w", err)
		}

		for _, table := range []string{"appenders", "categories", "clients", "permissions"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE project_id = $1`, id); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		batch := &pgx.Batch{}
		for _, a := range p.Appenders {
			params := a.Params
			if params == nil {
				params = map[string]string{}
			}
			batch.Queue(`INSERT INTO appenders (id, project_id, name, type, params)
				VALUES (COALESCE(NULLIF($1, 0), nextval('appenders_id_seq')), $2, $3, $4, $5)`,
				a.ID, id, a.Name, a.Type, params)
		}
		for _, c := range p.Categories {
			names := c.AppenderNames
			if names == nil {
				names = []string{}
			}
			batch.Queue(`INSERT INTO categories (id, project_id, name, level, additivity, appenders)
				VALUES (COALESCE(NULLIF($1, 0), nextval('categories_id_seq')), $2, $3, $4, $5, $6)`,
				c.ID, id, c.Name, c.Level, c.Additivity, names)
		}
		for _, c := range p.Clients {
			batch.Queue(`INSERT INTO clients (id, project_id, name)
				VALUES (COALESCE(NULLIF($1, 0), nextval('clients_id_seq')), $2, $3)`,
				c.ID, id, c.Name)
		}
		for _, perm := range p.Permissions {
			batch.Queue(`INSERT INTO permissions (id, project_id, principal, bits)
				VALUES (COALESCE(NULLIF($1, 0), nextval('permissions_id_seq')), $2, $3, $4)`,
				perm.ID, id, perm.Principal, perm.Bits)
		}
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert project rows: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}

		saved, err = loadProject(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("save project %s: %w", p.Name, err)
	}
	return saved, nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, name string) (*models.Project, error) {
	var deleted *models.Project
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, `SELECT id FROM projects WHERE name = $1 FOR UPDATE`, name).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("project %s: %w", name, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if deleted, err = loadProject(ctx, tx, id); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() {
	s.logger.Info("Closing database connection pool...")
	s.pool.Close()
}

func loadProject(ctx context.Context, q querier, id int64) (*models.Project, error) {
	p := &models.Project{ID: id}
	err := q.QueryRow(ctx, `SELECT name FROM projects WHERE id = $1`, id).Scan(&p.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load project %d: %w", id, err)
	}

	err = scanAll(ctx, q, `SELECT id, name, type, params FROM appenders WHERE project_id = $1 ORDER BY id`, id, func(rows pgx.Rows) error {
		var a models.Appender
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.Params); err != nil {
			return err
		}
		p.Appenders = append(p.Appenders, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = scanAll(ctx, q, `SELECT id, name, level, additivity, appenders FROM categories WHERE project_id = $1 ORDER BY id`, id, func(rows pgx.Rows) error {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Level, &c.Additivity, &c.AppenderNames); err != nil {
			return err
		}
		p.Categories = append(p.Categories, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = scanAll(ctx, q, `SELECT id, name FROM clients WHERE project_id = $1 ORDER BY id`, id, func(rows pgx.Rows) error {
		var c models.Client
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return err
		}
		p.Clients = append(p.Clients, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = scanAll(ctx, q, `SELECT id, principal, bits FROM permissions WHERE project_id = $1 ORDER BY id`, id, func(rows pgx.Rows) error {
		var perm models.Permission
		if err := rows.Scan(&perm.ID, &perm.Principal, &perm.Bits); err != nil {
			return err
		}
		p.Permissions = append(p.Permissions, perm)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanAll(ctx context.Context, q querier, sql string, id int64, fn func(pgx.Rows) error) error {
	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

var _ Store = (*PostgresStore)(nil)
