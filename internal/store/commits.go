package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilupskalvis/kbdump/internal/extract"
	"github.com/kilupskalvis/kbdump/internal/models"
)

// HeadRevision returns the highest committed revision, 0 for an empty store.
func (s *Store) HeadRevision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(rev), 0) FROM kb_revision").Scan(&rev)
	return rev, err
}

// ApplyChangeSet commits a change set as one revision. A synthetic change set
// carries current instances of unversioned types and is stored as current
// state without a revision.
func (s *Store) ApplyChangeSet(ctx context.Context, cs *models.ChangeSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if cs.Synthetic {
		for _, c := range cs.Creations {
			if err := s.putObject(ctx, tx, c.ID, c.Values); err != nil {
				return err
			}
		}
		return tx.Commit()
	}

	c := cs.Commit
	_, err = tx.ExecContext(ctx,
		"INSERT INTO kb_revision (rev, author, date, message) VALUES (?, ?, ?, ?)",
		cs.Revision, c.Author, c.Time.UnixMilli(), c.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to insert revision %d: %w", cs.Revision, err)
	}

	for _, b := range cs.Branches {
		var types sql.NullString
		if b.Types != nil {
			data, err := json.Marshal(b.Types)
			if err != nil {
				return err
			}
			types = sql.NullString{String: string(data), Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO kb_branch (branch, base_branch, base_rev, rev, types) VALUES (?, ?, ?, ?, ?)",
			b.Branch, b.BaseBranch, b.BaseRevision, cs.Revision, types,
		)
		if err != nil {
			return fmt.Errorf("failed to insert branch %d: %w", b.Branch, err)
		}
	}

	for _, ev := range cs.Events() {
		if err := s.insertEvent(ctx, tx, cs.Revision, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, rev int64, ev models.ItemEvent) error {
	var (
		vals    models.Values
		oldVals sql.NullString
	)
	switch e := ev.(type) {
	case models.ObjectCreation:
		vals = e.Values
	case models.ItemDeletion:
		vals = e.Values
	case models.ItemUpdate:
		vals = e.Values
		if e.OldValues != nil {
			data, err := encodeValues(s.codec, e.OldValues)
			if err != nil {
				return err
			}
			oldVals = sql.NullString{String: data, Valid: true}
		}
	}
	data, err := encodeValues(s.codec, vals)
	if err != nil {
		return fmt.Errorf("event %s %s: %w", ev.Kind(), ev.ObjectID(), err)
	}

	id := ev.ObjectID()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO kb_event (rev, kind, type, branch, name, vals, old_vals)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rev, int(ev.Kind()), id.TypeName(), id.Branch, id.Name, data, oldVals,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ChangeSets returns the revision history in revision order keeping only
// events of the named types, none if types is empty, or every event if types
// is nil. Revisions left without events are still returned. An event whose
// values cannot be decoded is reported by the cursor's UnitErr for its
// revision only.
func (s *Store) ChangeSets(ctx context.Context, types []string) (extract.ChangeSetCursor, error) {
	branches, err := s.loadBranches(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.rev, r.author, r.date, r.message,
			e.kind, e.type, e.branch, e.name, e.vals, e.old_vals
		FROM kb_revision r
		LEFT JOIN kb_event e ON e.rev = r.rev
		ORDER BY r.rev, e.seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}

	var keep map[string]bool
	if types != nil {
		keep = make(map[string]bool, len(types))
		for _, t := range types {
			keep[t] = true
		}
	}
	return &historyCursor{store: s, rows: rows, branches: branches, keep: keep}, nil
}

func (s *Store) loadBranches(ctx context.Context) (map[int64][]models.BranchEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT branch, base_branch, base_rev, rev, types FROM kb_branch ORDER BY rev, branch")
	if err != nil {
		return nil, fmt.Errorf("failed to query branches: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]models.BranchEvent)
	for rows.Next() {
		var (
			b     models.BranchEvent
			types sql.NullString
		)
		if err := rows.Scan(&b.Branch, &b.BaseBranch, &b.BaseRevision, &b.Revision, &types); err != nil {
			return nil, err
		}
		if types.Valid {
			b.Types = []string{}
			if err := json.Unmarshal([]byte(types.String), &b.Types); err != nil {
				return nil, fmt.Errorf("branch %d: %w", b.Branch, err)
			}
		}
		out[b.Revision] = append(out[b.Revision], b)
	}
	return out, rows.Err()
}

// historyRow is one row of the revision/event join.
type historyRow struct {
	rev     int64
	author  string
	date    int64
	message string

	kind    sql.NullInt64
	typ     sql.NullString
	branch  sql.NullInt64
	name    sql.NullString
	vals    sql.NullString
	oldVals sql.NullString
}

// historyCursor groups the joined rows of one revision into a change set,
// reading one row ahead.
type historyCursor struct {
	store    *Store
	rows     *sql.Rows
	branches map[int64][]models.BranchEvent
	keep     map[string]bool

	pending *historyRow
	current *models.ChangeSet
	unitErr error
	err     error
	done    bool
}

func (c *historyCursor) scan() (*historyRow, bool) {
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return nil, false
	}
	var r historyRow
	if err := c.rows.Scan(&r.rev, &r.author, &r.date, &r.message,
		&r.kind, &r.typ, &r.branch, &r.name, &r.vals, &r.oldVals); err != nil {
		c.err = err
		return nil, false
	}
	return &r, true
}

func (c *historyCursor) Next(ctx context.Context) bool {
	if c.done || c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}

	c.unitErr = nil
	head := c.pending
	c.pending = nil
	if head == nil {
		r, ok := c.scan()
		if !ok {
			c.done = true
			return false
		}
		head = r
	}

	commit := models.NewCommitEvent(head.rev, head.author, time.UnixMilli(head.date), head.message)
	cs := models.NewChangeSet(commit)
	for _, b := range c.branches[head.rev] {
		cs.AddBranch(b)
	}

	for r := head; r != nil; {
		if r.kind.Valid && (c.keep == nil || c.keep[r.typ.String]) {
			ev, err := c.event(r)
			switch {
			case err != nil && c.unitErr == nil:
				c.unitErr = fmt.Errorf("revision %d: %w", r.rev, err)
			case err == nil:
				cs.Add(ev)
			}
		}

		next, ok := c.scan()
		if !ok {
			if c.err != nil {
				return false
			}
			c.done = true
			break
		}
		if next.rev != head.rev {
			c.pending = next
			break
		}
		r = next
	}

	c.current = cs
	return true
}

func (c *historyCursor) event(r *historyRow) (models.ItemEvent, error) {
	id := models.ObjectBranchID{
		Branch: r.branch.Int64,
		Type:   c.store.resolver.Resolve(r.typ.String),
		Name:   r.name.String,
	}
	vals, err := decodeValues(c.store.codec, r.vals.String)
	if err != nil {
		return nil, err
	}

	switch models.EventKind(r.kind.Int64) {
	case models.EventCreation:
		return models.ObjectCreation{ID: id, Values: vals}, nil
	case models.EventDeletion:
		return models.ItemDeletion{ID: id, Values: vals}, nil
	case models.EventUpdate:
		upd := models.ItemUpdate{ID: id, Values: vals}
		if r.oldVals.Valid {
			if upd.OldValues, err = decodeValues(c.store.codec, r.oldVals.String); err != nil {
				return nil, err
			}
		}
		return upd, nil
	default:
		return nil, fmt.Errorf("unknown event kind %d", r.kind.Int64)
	}
}

func (c *historyCursor) Value() *models.ChangeSet { return c.current }
func (c *historyCursor) UnitErr() error           { return c.unitErr }
func (c *historyCursor) Err() error               { return c.err }
func (c *historyCursor) Close() error             { return c.rows.Close() }
