package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/stevedore/internal/model"

	_ "modernc.org/sqlite"
)

const createProjectsTable = `
CREATE TABLE IF NOT EXISTS projects (
    name           TEXT PRIMARY KEY,
    phase          TEXT NOT NULL,
    image          TEXT NOT NULL,
    container_id   TEXT,
    needs_database INTEGER NOT NULL DEFAULT 0,
    credentials    TEXT,
    restarts       INTEGER NOT NULL DEFAULT 0,
    checked        INTEGER NOT NULL DEFAULT 0,
    error          TEXT,
    updated_at     DATETIME NOT NULL
)`

const createDeploymentsTable = `
CREATE TABLE IF NOT EXISTS deployments (
    id            TEXT PRIMARY KEY,
    project_name  TEXT NOT NULL,
    state         TEXT NOT NULL,
    artifact_path TEXT,
    last_update   DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createProjectsTable, createDeploymentsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveProject upserts the lifecycle snapshot for a project. The write is
// scoped to the single project row, so concurrent saves for different
// projects never contend on anything beyond the database handle.
func (s *SQLiteStore) SaveProject(ctx context.Context, p model.ProjectState) error {
	var creds any
	if p.Credentials != nil {
		b, err := json.Marshal(p.Credentials)
		if err != nil {
			return fmt.Errorf("marshal credentials: %w", err)
		}
		creds = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (
			name, phase, image, container_id, needs_database,
			credentials, restarts, checked, error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			phase = excluded.phase,
			image = excluded.image,
			container_id = excluded.container_id,
			needs_database = excluded.needs_database,
			credentials = excluded.credentials,
			restarts = excluded.restarts,
			checked = excluded.checked,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		p.ProjectName, string(p.Phase), p.Image, p.ContainerID, p.NeedsDatabase,
		creds, p.Restarts, p.Checked, p.Error, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

// LoadProject retrieves a project's lifecycle snapshot by name.
func (s *SQLiteStore) LoadProject(ctx context.Context, name string) (model.ProjectState, error) {
	var (
		p     model.ProjectState
		phase string
		creds sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, phase, image, container_id, needs_database,
			credentials, restarts, checked, error, updated_at
		FROM projects WHERE name = ?`, name,
	).Scan(
		&p.ProjectName, &phase, &p.Image, &p.ContainerID, &p.NeedsDatabase,
		&creds, &p.Restarts, &p.Checked, &p.Error, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProjectState{}, ErrNotFound
	}
	if err != nil {
		return model.ProjectState{}, fmt.Errorf("load project: %w", err)
	}

	p.Phase = model.Phase(phase)
	if creds.Valid && creds.String != "" {
		c := &model.DatabaseCredentials{}
		if err := json.Unmarshal([]byte(creds.String), c); err != nil {
			return model.ProjectState{}, fmt.Errorf("unmarshal credentials: %w", err)
		}
		p.Credentials = c
	}
	return p, nil
}

// DeleteProject removes a project's state row. Deleting a project that does
// not exist returns ErrNotFound.
func (s *SQLiteStore) DeleteProject(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProjects returns a paginated list of project states ordered by
// updated_at DESC, along with the total count.
func (s *SQLiteStore) ListProjects(ctx context.Context, limit, offset int) ([]model.ProjectState, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM projects").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count projects: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT name, phase, image, container_id, needs_database,
			credentials, restarts, checked, error, updated_at
		FROM projects ORDER BY updated_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []model.ProjectState
	for rows.Next() {
		var (
			p     model.ProjectState
			phase string
			creds sql.NullString
		)
		if err := rows.Scan(
			&p.ProjectName, &phase, &p.Image, &p.ContainerID, &p.NeedsDatabase,
			&creds, &p.Restarts, &p.Checked, &p.Error, &p.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan project: %w", err)
		}
		p.Phase = model.Phase(phase)
		if creds.Valid && creds.String != "" {
			c := &model.DatabaseCredentials{}
			if err := json.Unmarshal([]byte(creds.String), c); err != nil {
				return nil, 0, fmt.Errorf("unmarshal credentials: %w", err)
			}
			p.Credentials = c
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate projects: %w", err)
	}

	return projects, total, nil
}

// CreateDeployment inserts a new deployment record.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (id, project_name, state, artifact_path, last_update)
		VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.ProjectName, d.State, d.ArtifactPath, d.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

// GetDeployment retrieves a deployment by id.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	d := &model.Deployment{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_name, state, artifact_path, last_update
		FROM deployments WHERE id = ?`, id,
	).Scan(&d.ID, &d.ProjectName, &d.State, &d.ArtifactPath, &d.LastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	return d, nil
}

// UpdateDeploymentState advances a deployment's state, enforcing the
// transition table. Deployment states move monotonically to a terminal
// state; an out-of-order update returns ErrInvalidTransition.
func (s *SQLiteStore) UpdateDeploymentState(ctx context.Context, id, state string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT state FROM deployments WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read deployment state: %w", err)
	}

	if !model.ValidDeploymentTransition(current, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, state)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE deployments SET state = ?, last_update = ? WHERE id = ?",
		state, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("update deployment state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SetDeploymentArtifact records the artifact produced by a build.
func (s *SQLiteStore) SetDeploymentArtifact(ctx context.Context, id, artifactPath string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE deployments SET artifact_path = ?, last_update = ? WHERE id = ?",
		artifactPath, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set deployment artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDeployments returns all deployments for a project ordered by
// last_update DESC.
func (s *SQLiteStore) ListDeployments(ctx context.Context, projectName string) ([]*model.Deployment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_name, state, artifact_path, last_update
		FROM deployments WHERE project_name = ? ORDER BY last_update DESC`, projectName,
	)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []*model.Deployment
	for rows.Next() {
		d := &model.Deployment{}
		if err := rows.Scan(&d.ID, &d.ProjectName, &d.State, &d.ArtifactPath, &d.LastUpdate); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return deployments, nil
}

// LatestRunnableDeployment returns the most recent deployment for a
// project that has a built artifact to run, or ErrNotFound if none exists.
func (s *SQLiteStore) LatestRunnableDeployment(ctx context.Context, projectName string) (*model.Deployment, error) {
	d := &model.Deployment{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_name, state, artifact_path, last_update
		FROM deployments
		WHERE project_name = ? AND artifact_path != ''
		ORDER BY last_update DESC LIMIT 1`, projectName,
	).Scan(&d.ID, &d.ProjectName, &d.State, &d.ArtifactPath, &d.LastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest runnable deployment: %w", err)
	}
	return d, nil
}
