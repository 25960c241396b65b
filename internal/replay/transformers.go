package replay

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/kilupskalvis/kbdump/internal/config"
	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
)

// tableMatch selects tables by logical or physical name, ignoring case. The
// zero value selects every table.
type tableMatch struct{ name string }

func (m tableMatch) matches(t *schema.Type) bool {
	if m.name == "" {
		return true
	}
	return strings.EqualFold(t.Name(), m.name) || strings.EqualFold(t.StorageName(), m.name)
}

func newDropTable(_ StageContext, cfg config.Stage) (RowStage, error) {
	if err := required("table", cfg.Table); err != nil {
		return nil, err
	}
	match := tableMatch{name: cfg.Table}
	return RowStageFunc(func(_ context.Context, table *schema.Type, row models.Row, emit func(*schema.Type, models.Row) error) error {
		if match.matches(table) {
			return nil
		}
		return emit(table, row)
	}), nil
}

func newRenameTable(sc StageContext, cfg config.Stage) (RowStage, error) {
	if err := required("from", cfg.From); err != nil {
		return nil, err
	}
	if err := required("to", cfg.To); err != nil {
		return nil, err
	}
	match := tableMatch{name: cfg.From}
	to := sc.Resolver.ResolveTable(cfg.To)
	if to.IsPlaceholder() {
		to = schema.NewTable(cfg.To)
	}
	return RowStageFunc(func(_ context.Context, table *schema.Type, row models.Row, emit func(*schema.Type, models.Row) error) error {
		if match.matches(table) {
			return emit(to, row)
		}
		return emit(table, row)
	}), nil
}

func newRenameColumn(_ StageContext, cfg config.Stage) (RowStage, error) {
	if err := required("from", cfg.From); err != nil {
		return nil, err
	}
	if err := required("to", cfg.To); err != nil {
		return nil, err
	}
	match := tableMatch{name: cfg.Table}
	return RowStageFunc(func(_ context.Context, table *schema.Type, row models.Row, emit func(*schema.Type, models.Row) error) error {
		if v, ok := row[cfg.From]; ok && match.matches(table) {
			row = row.Clone()
			delete(row, cfg.From)
			row[cfg.To] = v
		}
		return emit(table, row)
	}), nil
}

func newDropColumn(_ StageContext, cfg config.Stage) (RowStage, error) {
	names := slices.Clone(cfg.Attributes)
	if cfg.Name != "" {
		names = append(names, cfg.Name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w %q", errMissingKey, "attributes")
	}
	match := tableMatch{name: cfg.Table}
	return RowStageFunc(func(_ context.Context, table *schema.Type, row models.Row, emit func(*schema.Type, models.Row) error) error {
		if match.matches(table) {
			row = row.Clone()
			for _, name := range names {
				delete(row, name)
			}
		}
		return emit(table, row)
	}), nil
}

func newSetColumn(sc StageContext, cfg config.Stage) (RowStage, error) {
	if err := required("name", cfg.Name); err != nil {
		return nil, err
	}
	value, err := parseValue(sc, cfg.ValueKind, cfg.Value)
	if err != nil {
		return nil, err
	}
	match := tableMatch{name: cfg.Table}
	return RowStageFunc(func(_ context.Context, table *schema.Type, row models.Row, emit func(*schema.Type, models.Row) error) error {
		if match.matches(table) {
			row = row.Clone()
			row[cfg.Name] = value
		}
		return emit(table, row)
	}), nil
}
