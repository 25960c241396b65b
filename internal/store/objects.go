package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kilupskalvis/kbdump/internal/extract"
	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PutObject stores the current state of an unversioned instance.
func (s *Store) PutObject(ctx context.Context, id models.ObjectBranchID, vals models.Values) error {
	return s.putObject(ctx, s.db, id, vals)
}

func (s *Store) putObject(ctx context.Context, db execer, id models.ObjectBranchID, vals models.Values) error {
	data, err := encodeValues(s.codec, vals)
	if err != nil {
		return fmt.Errorf("object %s: %w", id, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO kb_object (type, branch, name, vals) VALUES (?, ?, ?, ?)
		ON CONFLICT(type, branch, name) DO UPDATE SET vals = excluded.vals`,
		id.TypeName(), id.Branch, id.Name, data,
	)
	if err != nil {
		return fmt.Errorf("failed to store object %s: %w", id, err)
	}
	return nil
}

// DeleteObject removes an unversioned instance.
func (s *Store) DeleteObject(ctx context.Context, id models.ObjectBranchID) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM kb_object WHERE type = ? AND branch = ? AND name = ?",
		id.TypeName(), id.Branch, id.Name)
	return err
}

// ScanIDs streams the ids of the current instances of t.
func (s *Store) ScanIDs(ctx context.Context, t *schema.Type) (extract.IDCursor, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT branch, name FROM kb_object WHERE type = ? ORDER BY branch, name", t.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", t.Name(), err)
	}
	return &idCursor{rows: rows, typ: t}, nil
}

type idCursor struct {
	rows *sql.Rows
	typ  *schema.Type
	cur  models.ObjectBranchID
	err  error
}

func (c *idCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	c.cur = models.ObjectBranchID{Type: c.typ}
	if err := c.rows.Scan(&c.cur.Branch, &c.cur.Name); err != nil {
		c.err = err
		return false
	}
	return true
}

func (c *idCursor) Value() models.ObjectBranchID { return c.cur }
func (c *idCursor) Err() error                   { return c.err }
func (c *idCursor) Close() error                 { return c.rows.Close() }

// Hydrate loads the values of the given instances of t in id order. Ids that
// vanished since the scan are left out.
func (s *Store) Hydrate(ctx context.Context, t *schema.Type, ids []models.ObjectBranchID) (extract.Hydration, error) {
	if len(ids) == 0 {
		return &hydration{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, 1+2*len(ids))
	args = append(args, t.Name())
	for i, id := range ids {
		placeholders[i] = "(?, ?)"
		args = append(args, id.Branch, id.Name)
	}
	query := "SELECT branch, name, vals FROM kb_object WHERE type = ? AND (branch, name) IN (VALUES " +
		strings.Join(placeholders, ", ") + ")"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate %s: %w", t.Name(), err)
	}
	defer rows.Close()

	found := make(map[models.ObjectKey]models.Values, len(ids))
	for rows.Next() {
		var (
			id   = models.ObjectBranchID{Type: t}
			data string
		)
		if err := rows.Scan(&id.Branch, &id.Name, &data); err != nil {
			return nil, err
		}
		vals, err := decodeValues(s.codec, data)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", id, err)
		}
		found[id.Key()] = vals
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	h := &hydration{items: make([]models.ObjectCreation, 0, len(found))}
	for _, id := range ids {
		if vals, ok := found[id.Key()]; ok {
			h.items = append(h.items, models.ObjectCreation{ID: id, Values: vals})
		}
	}
	return h, nil
}

// hydration owns nothing once rows are read, Release only drops the items.
type hydration struct {
	items []models.ObjectCreation
}

func (h *hydration) Items() []models.ObjectCreation { return h.items }
func (h *hydration) Release()                       { h.items = nil }
