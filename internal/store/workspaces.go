package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/replink/internal/workspace"
)

// Workspace is a cached descriptor and when it was last opened.
type Workspace struct {
	workspace.Descriptor
	OpenedAt time.Time
}

const workspaceCols = `id, owner, slug, engine, can_use_shell_runner, opened_at`

// UpsertWorkspace records d as opened at the given time.
func (s *Store) UpsertWorkspace(d workspace.Descriptor, openedAt time.Time) error {
	if d.ID == "" {
		return errors.New("upsert workspace: empty id")
	}
	_, err := s.db.Exec(`INSERT INTO workspaces (`+workspaceCols+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			slug = excluded.slug,
			engine = excluded.engine,
			can_use_shell_runner = excluded.can_use_shell_runner,
			opened_at = excluded.opened_at`,
		d.ID, d.Owner, d.Slug, d.Engine, d.CanUseShellRunner, openedAt.UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	return nil
}

// GetWorkspace returns nil, nil when id is not cached.
func (s *Store) GetWorkspace(id string) (*Workspace, error) {
	w, err := scanWorkspace(s.db.QueryRow(`SELECT `+workspaceCols+` FROM workspaces WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return w, nil
}

// FindWorkspace looks a workspace up by owner and slug, ignoring case.
// Returns nil, nil on a miss.
func (s *Store) FindWorkspace(owner, slug string) (*Workspace, error) {
	w, err := scanWorkspace(s.db.QueryRow(`SELECT `+workspaceCols+` FROM workspaces
		WHERE owner = ? COLLATE NOCASE AND slug = ? COLLATE NOCASE
		ORDER BY opened_at DESC LIMIT 1`, owner, slug))
	if err != nil {
		return nil, fmt.Errorf("find workspace: %w", err)
	}
	return w, nil
}

// RecentWorkspaces returns up to n workspaces, most recently opened first.
func (s *Store) RecentWorkspaces(n int) ([]*Workspace, error) {
	rows, err := s.db.Query(`SELECT `+workspaceCols+` FROM workspaces ORDER BY opened_at DESC, id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent workspaces: %w", err)
	}
	defer rows.Close()
	var out []*Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkspace forgets id. Deleting a missing id is not an error.
func (s *Store) DeleteWorkspace(id string) error {
	if _, err := s.db.Exec("DELETE FROM workspaces WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row scanner) (*Workspace, error) {
	var w Workspace
	var openedAt string
	err := row.Scan(&w.ID, &w.Owner, &w.Slug, &w.Engine, &w.CanUseShellRunner, &openedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.OpenedAt, err = time.Parse(timeFmt, openedAt)
	if err != nil {
		return nil, fmt.Errorf("parse opened_at %q: %w", openedAt, err)
	}
	return &w, nil
}
