package replay

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/kilupskalvis/kbdump/internal/codec"
	"github.com/kilupskalvis/kbdump/internal/config"
	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
)

var errMissingKey = errors.New("missing required key")

func required(key, value string) error {
	if value == "" {
		return fmt.Errorf("%w %q", errMissingKey, key)
	}
	return nil
}

// typeMatch selects events by type. The zero value selects every event.
type typeMatch struct{ name string }

func newTypeMatch(sc StageContext, name string) typeMatch {
	if name == "" {
		return typeMatch{}
	}
	return typeMatch{name: sc.Resolver.Resolve(name).Name()}
}

func (m typeMatch) matches(t *schema.Type) bool {
	return m.name == "" || (t != nil && t.IsA(m.name))
}

// rewriteEvents returns a copy of cs holding the events fn keeps.
func rewriteEvents(cs *models.ChangeSet, fn func(models.ItemEvent) (models.ItemEvent, bool)) *models.ChangeSet {
	out := cs.Clone()
	out.Deletions, out.Creations, out.Updates = nil, nil, nil
	for _, ev := range cs.Events() {
		if next, keep := fn(ev); keep {
			out.Add(next)
		}
	}
	return out
}

func editable(v models.Values) models.Values {
	if v == nil {
		return models.Values{}
	}
	return v.Clone()
}

// editValues applies fn to copies of the value maps of ev.
func editValues(ev models.ItemEvent, fn func(models.Values)) models.ItemEvent {
	switch e := ev.(type) {
	case models.ObjectCreation:
		e.Values = editable(e.Values)
		fn(e.Values)
		return e
	case models.ItemUpdate:
		e.Values = editable(e.Values)
		fn(e.Values)
		if e.OldValues != nil {
			e.OldValues = e.OldValues.Clone()
			fn(e.OldValues)
		}
		return e
	case models.ItemDeletion:
		e.Values = editable(e.Values)
		fn(e.Values)
		return e
	}
	return ev
}

func withType(ev models.ItemEvent, t *schema.Type) models.ItemEvent {
	switch e := ev.(type) {
	case models.ObjectCreation:
		e.ID.Type = t
		return e
	case models.ItemUpdate:
		e.ID.Type = t
		return e
	case models.ItemDeletion:
		e.ID.Type = t
		return e
	}
	return ev
}

func newFilterTypes(sc StageContext, cfg config.Stage) (EventStage, error) {
	if len(cfg.Types) == 0 {
		return nil, fmt.Errorf("%w %q", errMissingKey, "types")
	}
	matches := make([]typeMatch, len(cfg.Types))
	for i, name := range cfg.Types {
		matches[i] = newTypeMatch(sc, name)
	}
	return EventStageFunc(func(_ context.Context, cs *models.ChangeSet, emit func(*models.ChangeSet) error) error {
		return emit(rewriteEvents(cs, func(ev models.ItemEvent) (models.ItemEvent, bool) {
			for _, m := range matches {
				if m.matches(ev.ObjectID().Type) {
					return ev, false
				}
			}
			return ev, true
		}))
	}), nil
}

// newRenameType retargets events of type from to type to. When the target
// schema lacks from, the name is aliased in the resolver instead, so that the
// reader resolves dumped from elements to to rather than skipping them.
func newRenameType(sc StageContext, cfg config.Stage) (EventStage, error) {
	if err := required("from", cfg.From); err != nil {
		return nil, err
	}
	if err := required("to", cfg.To); err != nil {
		return nil, err
	}
	from := sc.Resolver.Resolve(cfg.From)
	to := sc.Resolver.Resolve(cfg.To)
	if from.IsPlaceholder() && !to.IsPlaceholder() {
		sc.Resolver.Alias(cfg.From, to)
		sc.Logger.Debug("aliasing type missing from target", "from", cfg.From, "to", to.Name())
		from = to
	}
	return EventStageFunc(func(_ context.Context, cs *models.ChangeSet, emit func(*models.ChangeSet) error) error {
		return emit(rewriteEvents(cs, func(ev models.ItemEvent) (models.ItemEvent, bool) {
			if ev.ObjectID().Type == from {
				return withType(ev, to), true
			}
			return ev, true
		}))
	}), nil
}

func newRenameAttribute(sc StageContext, cfg config.Stage) (EventStage, error) {
	if err := required("from", cfg.From); err != nil {
		return nil, err
	}
	if err := required("to", cfg.To); err != nil {
		return nil, err
	}
	match := newTypeMatch(sc, cfg.Type)
	return EventStageFunc(func(_ context.Context, cs *models.ChangeSet, emit func(*models.ChangeSet) error) error {
		return emit(rewriteEvents(cs, func(ev models.ItemEvent) (models.ItemEvent, bool) {
			if !match.matches(ev.ObjectID().Type) {
				return ev, true
			}
			return editValues(ev, func(vals models.Values) {
				if v, ok := vals[cfg.From]; ok {
					delete(vals, cfg.From)
					vals[cfg.To] = v
				}
			}), true
		}))
	}), nil
}

func newDropAttribute(sc StageContext, cfg config.Stage) (EventStage, error) {
	names := slices.Clone(cfg.Attributes)
	if cfg.Name != "" {
		names = append(names, cfg.Name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w %q", errMissingKey, "attributes")
	}
	match := newTypeMatch(sc, cfg.Type)
	return EventStageFunc(func(_ context.Context, cs *models.ChangeSet, emit func(*models.ChangeSet) error) error {
		return emit(rewriteEvents(cs, func(ev models.ItemEvent) (models.ItemEvent, bool) {
			if !match.matches(ev.ObjectID().Type) {
				return ev, true
			}
			return editValues(ev, func(vals models.Values) {
				for _, name := range names {
					delete(vals, name)
				}
			}), true
		}))
	}), nil
}

// parseValue decodes a configured value.
func parseValue(sc StageContext, kind, text string) (any, error) {
	if kind == "" {
		kind = codec.KindString.String()
	}
	k, err := codec.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	return codec.New(sc.Resolver).Decode(k, text)
}

// newSetAttribute sets an attribute on created objects, including the
// unversioned items of synthetic change sets.
func newSetAttribute(sc StageContext, cfg config.Stage) (EventStage, error) {
	if err := required("name", cfg.Name); err != nil {
		return nil, err
	}
	value, err := parseValue(sc, cfg.ValueKind, cfg.Value)
	if err != nil {
		return nil, err
	}
	match := newTypeMatch(sc, cfg.Type)
	return EventStageFunc(func(_ context.Context, cs *models.ChangeSet, emit func(*models.ChangeSet) error) error {
		return emit(rewriteEvents(cs, func(ev models.ItemEvent) (models.ItemEvent, bool) {
			if ev.Kind() != models.EventCreation || !match.matches(ev.ObjectID().Type) {
				return ev, true
			}
			return editValues(ev, func(vals models.Values) { vals[cfg.Name] = value }), true
		}))
	}), nil
}

// shiftRevisions renumbers replayed revisions so the first one becomes the
// start revision. Base revisions of branches and the listed revision-valued
// attributes move along.
type shiftRevisions struct {
	start      int64
	attributes []string

	offset  int64
	started bool
}

func newShiftRevisions(sc StageContext, cfg config.Stage) (EventStage, error) {
	if sc.StartRevision < 1 {
		return nil, fmt.Errorf("start revision %d is not positive", sc.StartRevision)
	}
	return &shiftRevisions{start: sc.StartRevision, attributes: cfg.Attributes}, nil
}

func (s *shiftRevisions) Rewrite(_ context.Context, cs *models.ChangeSet, emit func(*models.ChangeSet) error) error {
	if cs.Synthetic {
		return emit(cs)
	}
	if !s.started {
		s.offset = s.start - cs.Revision
		s.started = true
	}
	if s.offset == 0 {
		return emit(cs)
	}

	out := rewriteEvents(cs, func(ev models.ItemEvent) (models.ItemEvent, bool) {
		if len(s.attributes) == 0 {
			return ev, true
		}
		return editValues(ev, func(vals models.Values) {
			for _, name := range s.attributes {
				if v, ok := vals[name]; ok {
					vals[name] = s.shift(v)
				}
			}
		}), true
	})
	out.SetRevision(cs.Revision + s.offset)
	for i := range out.Branches {
		if out.Branches[i].BaseRevision > 0 {
			out.Branches[i].BaseRevision += s.offset
		}
	}
	return emit(out)
}

func (s *shiftRevisions) shift(v any) any {
	switch x := v.(type) {
	case int64:
		return x + s.offset
	case int32:
		return int32(int64(x) + s.offset)
	case int:
		return x + int(s.offset)
	default:
		return v
	}
}
