package replay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-version"
	"github.com/kilupskalvis/kbdump/internal/config"
	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
)

// EventStage rewrites change sets. A stage may emit any number of change sets
// for each input, including none.
type EventStage interface {
	Rewrite(ctx context.Context, cs *models.ChangeSet, emit func(*models.ChangeSet) error) error
}

// RowStage transforms plain table rows. A stage may emit any number of rows
// for each input, into any table.
type RowStage interface {
	Transform(ctx context.Context, table *schema.Type, row models.Row, emit func(*schema.Type, models.Row) error) error
}

// EventStageFunc adapts a function to EventStage.
type EventStageFunc func(ctx context.Context, cs *models.ChangeSet, emit func(*models.ChangeSet) error) error

func (f EventStageFunc) Rewrite(ctx context.Context, cs *models.ChangeSet, emit func(*models.ChangeSet) error) error {
	return f(ctx, cs, emit)
}

// RowStageFunc adapts a function to RowStage.
type RowStageFunc func(ctx context.Context, table *schema.Type, row models.Row, emit func(*schema.Type, models.Row) error) error

func (f RowStageFunc) Transform(ctx context.Context, table *schema.Type, row models.Row, emit func(*schema.Type, models.Row) error) error {
	return f(ctx, table, row, emit)
}

// StageContext is passed to every stage factory.
type StageContext struct {
	// StartRevision is the first revision written to the target.
	StartRevision int64
	Resolver      *schema.Resolver
	Version       *models.VersionDescriptor
	Logger        *slog.Logger
}

// EventStageFactory builds an event stage from its configuration.
type EventStageFactory func(sc StageContext, cfg config.Stage) (EventStage, error)

// RowStageFactory builds a row stage from its configuration.
type RowStageFactory func(sc StageContext, cfg config.Stage) (RowStage, error)

var (
	eventStages = map[string]EventStageFactory{
		"filter-types":     newFilterTypes,
		"rename-type":      newRenameType,
		"rename-attribute": newRenameAttribute,
		"drop-attribute":   newDropAttribute,
		"set-attribute":    newSetAttribute,
		"shift-revisions":  newShiftRevisions,
	}
	rowStages = map[string]RowStageFactory{
		"drop-table":    newDropTable,
		"rename-table":  newRenameTable,
		"rename-column": newRenameColumn,
		"drop-column":   newDropColumn,
		"set-column":    newSetColumn,
	}
)

// BuildEventStages builds the configured rewriters in order, leaving out
// those whose version guard does not apply to this dump.
func BuildEventStages(sc StageContext, cfgs []config.Stage) ([]EventStage, error) {
	var out []EventStage
	for i, cfg := range cfgs {
		factory, ok := eventStages[cfg.Kind]
		if !ok {
			return nil, fmt.Errorf("rewriter %d: unknown kind %q", i, cfg.Kind)
		}
		run, err := Applies(sc.Version, cfg)
		if err != nil {
			return nil, fmt.Errorf("rewriter %d (%s): %w", i, cfg.Kind, err)
		}
		if !run {
			sc.Logger.Info("skipping rewriter", "kind", cfg.Kind, "module", cfg.Module, "before", cfg.Before)
			continue
		}
		stage, err := factory(sc, cfg)
		if err != nil {
			return nil, fmt.Errorf("rewriter %d (%s): %w", i, cfg.Kind, err)
		}
		out = append(out, stage)
	}
	return out, nil
}

// BuildRowStages builds the configured row transformers in order.
func BuildRowStages(sc StageContext, cfgs []config.Stage) ([]RowStage, error) {
	var out []RowStage
	for i, cfg := range cfgs {
		factory, ok := rowStages[cfg.Kind]
		if !ok {
			return nil, fmt.Errorf("transformer %d: unknown kind %q", i, cfg.Kind)
		}
		run, err := Applies(sc.Version, cfg)
		if err != nil {
			return nil, fmt.Errorf("transformer %d (%s): %w", i, cfg.Kind, err)
		}
		if !run {
			sc.Logger.Info("skipping transformer", "kind", cfg.Kind, "module", cfg.Module, "before", cfg.Before)
			continue
		}
		stage, err := factory(sc, cfg)
		if err != nil {
			return nil, fmt.Errorf("transformer %d (%s): %w", i, cfg.Kind, err)
		}
		out = append(out, stage)
	}
	return out, nil
}

// Applies reports whether a stage runs for a dump. A stage naming a module and
// a "before" version runs when the dump records no version of the module or
// one lower than before.
func Applies(v *models.VersionDescriptor, cfg config.Stage) (bool, error) {
	if cfg.Module == "" || cfg.Before == "" {
		return true, nil
	}
	before, err := version.NewVersion(cfg.Before)
	if err != nil {
		return false, fmt.Errorf("invalid version guard %q: %w", cfg.Before, err)
	}
	recorded, ok := v.Module(cfg.Module)
	if !ok {
		return true, nil
	}
	got, err := version.NewVersion(recorded)
	if err != nil {
		return false, fmt.Errorf("dump records invalid version %q for %s: %w", recorded, cfg.Module, err)
	}
	return got.LessThan(before), nil
}

// chainEvents passes cs through stages and hands the results to sink.
func chainEvents(ctx context.Context, stages []EventStage, cs *models.ChangeSet, sink func(*models.ChangeSet) error) error {
	if len(stages) == 0 {
		return sink(cs)
	}
	return stages[0].Rewrite(ctx, cs, func(out *models.ChangeSet) error {
		return chainEvents(ctx, stages[1:], out, sink)
	})
}

// chainRows passes a row through stages and hands the results to sink.
func chainRows(ctx context.Context, stages []RowStage, table *schema.Type, row models.Row, sink func(*schema.Type, models.Row) error) error {
	if len(stages) == 0 {
		return sink(table, row)
	}
	return stages[0].Transform(ctx, table, row, func(t *schema.Type, r models.Row) error {
		return chainRows(ctx, stages[1:], t, r, sink)
	})
}
