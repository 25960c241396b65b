// Package extract walks a live store and produces a dump document.
package extract

import (
	"context"

	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
)

// ChangeSetCursor iterates change sets in revision order. Err reports a
// failure that ends the iteration. UnitErr reports a failure confined to the
// current change set, for example an undecodable stored value; Value then
// still carries the revision and commit, and Next moves on to the following
// revision.
type ChangeSetCursor interface {
	Next(ctx context.Context) bool
	Value() *models.ChangeSet
	UnitErr() error
	Err() error
	Close() error
}

// ChangeSetSource provides the revision history of a store.
type ChangeSetSource interface {
	// ChangeSets returns a cursor over revisions 1 to head keeping only events
	// of the named types, none if types is empty and all if types is nil.
	// Branch events are always kept.
	ChangeSets(ctx context.Context, types []string) (ChangeSetCursor, error)
}

// IDCursor iterates the ids of a type's current instances.
type IDCursor interface {
	Next(ctx context.Context) bool
	Value() models.ObjectBranchID
	Err() error
	Close() error
}

// Hydration holds the hydrated instances of one chunk and the resources that
// back them until Release.
type Hydration interface {
	Items() []models.ObjectCreation
	Release()
}

// InstanceSource scans and hydrates current instances of unversioned types.
type InstanceSource interface {
	ScanIDs(ctx context.Context, t *schema.Type) (IDCursor, error)
	Hydrate(ctx context.Context, t *schema.Type, ids []models.ObjectBranchID) (Hydration, error)
}

// Column describes a plain table column.
type Column struct {
	Name    string
	SQLType string
}

// RowCursor is a forward-only cursor over a plain table.
type RowCursor interface {
	Next() bool
	Row() models.Row
	Columns() []Column
	Err() error
	Close() error
}

// TableSource lists and streams plain relational tables.
type TableSource interface {
	Tables(ctx context.Context) ([]string, error)
	Rows(ctx context.Context, table string) (RowCursor, error)
}
