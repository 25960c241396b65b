package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kilupskalvis/kbdump/internal/checkpoint"
	"github.com/kilupskalvis/kbdump/internal/codec"
	"github.com/kilupskalvis/kbdump/internal/config"
	"github.com/kilupskalvis/kbdump/internal/dump"
	"github.com/kilupskalvis/kbdump/internal/logging"
	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSchema struct {
	reg     *schema.Registry
	foo     *schema.Type
	setting *schema.Type
	audit   *schema.Type
}

func newTestSchema(t *testing.T) *testSchema {
	t.Helper()
	item := schema.NewType(schema.ItemTypeName, schema.Abstract())
	s := &testSchema{
		foo:     schema.NewType("Foo", schema.WithSuper(item), schema.WithTable("FOO_TABLE")),
		setting: schema.NewType("Setting", schema.WithSuper(item), schema.WithTable("SETTING"), schema.Unversioned()),
		audit:   schema.NewTable("audit"),
	}
	reg, err := schema.NewRegistry(item, s.foo, s.setting, s.audit)
	require.NoError(t, err)
	s.reg = reg
	return s
}

func (s *testSchema) changeSets(n int) []*models.ChangeSet {
	out := make([]*models.ChangeSet, n)
	for i := range out {
		rev := int64(i + 1)
		cs := models.NewChangeSet(models.NewCommitEvent(rev, "alice", time.UnixMilli(rev*1000), "m"))
		cs.Add(models.ObjectCreation{
			ID:     models.ObjectBranchID{Branch: 1, Type: s.foo, Name: fmt.Sprintf("o%d", rev)},
			Values: models.Values{"size": int32(rev)},
		})
		out[i] = cs
	}
	return out
}

type sliceItems struct {
	items []models.ObjectCreation
	pos   int
}

func (s *sliceItems) Next() bool {
	if s.pos >= len(s.items) {
		return false
	}
	s.pos++
	return true
}
func (s *sliceItems) Value() models.ObjectCreation { return s.items[s.pos-1] }
func (s *sliceItems) Err() error                   { return nil }

type sliceRows struct {
	rows []models.Row
	pos  int
}

func (s *sliceRows) Next() bool {
	if s.pos >= len(s.rows) {
		return false
	}
	s.pos++
	return true
}
func (s *sliceRows) Row() models.Row { return s.rows[s.pos-1] }
func (s *sliceRows) Err() error      { return nil }

// document writes a dump with the given change sets, unversioned items of
// Setting and rows of the audit table.
type document struct {
	version *models.VersionDescriptor
	sets    []*models.ChangeSet
	items   []models.ObjectCreation
	rows    []models.Row
}

func (s *testSchema) write(t *testing.T, d document) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := dump.NewWriter(&buf, codec.New(schema.NewResolver(s.reg, nil)), dump.WithFailFast(true))
	require.NoError(t, w.StartDocument(d.version))
	require.NoError(t, w.BeginChangeSets())
	for _, cs := range d.sets {
		require.NoError(t, w.WriteChangeSet(cs))
	}
	require.NoError(t, w.EndChangeSets())
	require.NoError(t, w.BeginTypes())
	if len(d.items) > 0 {
		require.NoError(t, w.WriteUnversionedType(s.setting, &sliceItems{items: d.items}))
	}
	require.NoError(t, w.EndTypes())
	require.NoError(t, w.BeginTables())
	if len(d.rows) > 0 {
		require.NoError(t, w.WriteTable("audit", &sliceRows{rows: d.rows}))
	}
	require.NoError(t, w.EndTables())
	require.NoError(t, w.EndDocument())
	return buf.Bytes()
}

func (s *testSchema) items(n int) []models.ObjectCreation {
	out := make([]models.ObjectCreation, n)
	for i := range out {
		out[i] = models.ObjectCreation{
			ID:     models.ObjectBranchID{Branch: 1, Type: s.setting, Name: fmt.Sprintf("s%d", i)},
			Values: models.Values{"value": fmt.Sprintf("v%d", i)},
		}
	}
	return out
}

// recordingSink keeps everything it receives.
type recordingSink struct {
	calls    []string
	sets     []*models.ChangeSet
	rows     map[string][]models.Row
	finished bool

	onChangeSet func(n int)
	fail        func(cs *models.ChangeSet) error
	delay       time.Duration
}

func newRecordingSink() *recordingSink {
	return &recordingSink{rows: make(map[string][]models.Row)}
}

func (r *recordingSink) ApplyChangeSet(_ context.Context, cs *models.ChangeSet) error {
	if r.fail != nil {
		if err := r.fail(cs); err != nil {
			return err
		}
	}
	time.Sleep(r.delay)
	r.sets = append(r.sets, cs)
	if cs.Synthetic {
		r.calls = append(r.calls, fmt.Sprintf("items@%d:%d", cs.Revision, len(cs.Creations)))
	} else {
		r.calls = append(r.calls, fmt.Sprintf("changeset@%d", cs.Revision))
	}
	if r.onChangeSet != nil {
		r.onChangeSet(len(r.sets))
	}
	return nil
}

func (r *recordingSink) ApplyRows(_ context.Context, table *schema.Type, rows []models.Row) error {
	r.calls = append(r.calls, fmt.Sprintf("rows@%s:%d", table.StorageName(), len(rows)))
	r.rows[table.StorageName()] = append(r.rows[table.StorageName()], rows...)
	return nil
}

func (r *recordingSink) Finish(context.Context) error {
	r.finished = true
	return nil
}

func newTestConfig() *config.Migration {
	cfg := config.Default()
	cfg.Load.ChunkSize = 2
	return cfg
}

func newTestLoader(t *testing.T, s *testSchema, doc []byte, sink Sink, cfg *config.Migration, opts ...Option) *Loader {
	t.Helper()
	return NewLoader(bytes.NewReader(doc), s.reg, sink, cfg, opts...)
}

// ==================== Loader Tests ====================

func TestLoader_CancelAfterThirdChangeSet(t *testing.T) {
	s := newTestSchema(t)
	doc := s.write(t, document{sets: s.changeSets(10), items: s.items(3), rows: []models.Row{{"id": int64(1)}}})

	sink := newRecordingSink()
	l := newTestLoader(t, s, doc, sink, newTestConfig())
	sink.onChangeSet = func(n int) {
		if n == 3 {
			l.Cancel()
		}
	}

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.Status)
	assert.Equal(t, 3, res.ChangeSets)
	assert.Equal(t, []string{"changeset@1", "changeset@2", "changeset@3"}, sink.calls)
	assert.Equal(t, int64(3), res.LastRevision)
	assert.True(t, sink.finished)
}

func TestLoader_ReplaysSectionsInOrder(t *testing.T) {
	s := newTestSchema(t)
	doc := s.write(t, document{
		sets:  s.changeSets(2),
		items: s.items(3),
		rows:  []models.Row{{"id": int64(1)}, {"id": int64(2)}, {"id": int64(3)}},
	})

	sink := newRecordingSink()
	res, err := newTestLoader(t, s, doc, sink, newTestConfig()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{
		"changeset@1", "changeset@2",
		"items@3:2", "items@3:1",
		"rows@audit:2", "rows@audit:1",
	}, sink.calls)
	assert.Equal(t, 2, res.ChangeSets)
	assert.Equal(t, 2, res.Events)
	assert.Equal(t, 1, res.Types)
	assert.Equal(t, 3, res.Items)
	assert.Equal(t, 1, res.Tables)
	assert.Equal(t, 3, res.Rows)
	assert.True(t, sink.finished)

	// The live type instance is used, not a placeholder
	assert.Same(t, s.foo, sink.sets[0].Creations[0].ID.Type)
	assert.Same(t, s.setting, sink.sets[2].Creations[0].ID.Type)
}

func TestLoader_MarkerRevisionFromConfig(t *testing.T) {
	s := newTestSchema(t)
	doc := s.write(t, document{sets: s.changeSets(1), items: s.items(1)})
	cfg := newTestConfig()
	cfg.Load.MarkerRevision = 50

	sink := newRecordingSink()
	_, err := newTestLoader(t, s, doc, sink, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"changeset@1", "items@50:1"}, sink.calls)
}

func TestLoader_ContextCanceledBeforeStart(t *testing.T) {
	s := newTestSchema(t)
	doc := s.write(t, document{sets: s.changeSets(3)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := newRecordingSink()
	res, err := newTestLoader(t, s, doc, sink, newTestConfig()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.Status)
	assert.Empty(t, sink.calls)
	assert.True(t, sink.finished)
}

func TestLoader_SinkErrorIsFatal(t *testing.T) {
	s := newTestSchema(t)
	doc := s.write(t, document{sets: s.changeSets(3)})
	boom := errors.New("disk full")

	sink := newRecordingSink()
	sink.fail = func(cs *models.ChangeSet) error {
		if cs.Revision == 2 {
			return boom
		}
		return nil
	}
	res, err := newTestLoader(t, s, doc, sink, newTestConfig()).Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, res.ChangeSets)
	assert.False(t, sink.finished)
}

func TestLoader_SkipsUnknownTypes(t *testing.T) {
	s := newTestSchema(t)
	ghost := schema.NewType("Ghost")
	sets := s.changeSets(1)
	sets[0].Add(models.ObjectCreation{ID: models.ObjectBranchID{Branch: 1, Type: ghost, Name: "g"}, Values: models.Values{}})

	// Write with a schema knowing Ghost, replay into one that does not
	reg, err := schema.NewRegistry(ghost, s.foo)
	require.NoError(t, err)
	var buf bytes.Buffer
	w := dump.NewWriter(&buf, codec.New(schema.NewResolver(reg, nil)))
	require.NoError(t, w.StartDocument(nil))
	require.NoError(t, w.BeginChangeSets())
	require.NoError(t, w.WriteChangeSet(sets[0]))
	require.NoError(t, w.EndChangeSets())
	require.NoError(t, w.BeginTypes())
	require.NoError(t, w.EndTypes())
	require.NoError(t, w.BeginTables())
	require.NoError(t, w.EndTables())
	require.NoError(t, w.EndDocument())

	sink := newRecordingSink()
	res, err := newTestLoader(t, s, buf.Bytes(), sink, newTestConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, sink.sets, 1)
	assert.Len(t, sink.sets[0].Creations, 1)
}

func TestLoader_SkipLogCarriesChangeSet(t *testing.T) {
	s := newTestSchema(t)
	ghost := schema.NewType("Ghost")
	sets := s.changeSets(3)
	sets[1].Add(models.ObjectCreation{ID: models.ObjectBranchID{Branch: 1, Type: ghost, Name: "g"}, Values: models.Values{}})

	reg, err := schema.NewRegistry(ghost, s.foo)
	require.NoError(t, err)
	var buf bytes.Buffer
	w := dump.NewWriter(&buf, codec.New(schema.NewResolver(reg, nil)))
	require.NoError(t, w.StartDocument(nil))
	require.NoError(t, w.BeginChangeSets())
	for _, cs := range sets {
		require.NoError(t, w.WriteChangeSet(cs))
	}
	require.NoError(t, w.EndChangeSets())
	require.NoError(t, w.BeginTypes())
	require.NoError(t, w.EndTypes())
	require.NoError(t, w.BeginTables())
	require.NoError(t, w.EndTables())
	require.NoError(t, w.EndDocument())

	var logs bytes.Buffer
	base, err := logging.New(&logs, "debug", "text")
	require.NoError(t, err)
	mig := logging.NewMigration(base)

	res, err := newTestLoader(t, s, buf.Bytes(), newRecordingSink(), newTestConfig(), WithLogger(mig)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	var skipLine string
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, "skipping event of unknown type") {
			skipLine = line
		}
	}
	require.NotEmpty(t, skipLine)
	assert.Contains(t, skipLine, "changeset=2 ")
	assert.Contains(t, skipLine, "original_revision=2")
	assert.Contains(t, skipLine, "run_id="+mig.RunID())
}

func TestLoader_RenamesFromConfig(t *testing.T) {
	s := newTestSchema(t)
	legacy := schema.NewType("OldFoo")
	reg, err := schema.NewRegistry(legacy)
	require.NoError(t, err)

	cs := models.NewChangeSet(models.NewCommitEvent(1, "alice", time.UnixMilli(0), "m"))
	cs.Add(models.ObjectCreation{ID: models.ObjectBranchID{Branch: 1, Type: legacy, Name: "a"}, Values: models.Values{}})
	var buf bytes.Buffer
	w := dump.NewWriter(&buf, codec.New(schema.NewResolver(reg, nil)))
	require.NoError(t, w.StartDocument(nil))
	require.NoError(t, w.BeginChangeSets())
	require.NoError(t, w.WriteChangeSet(cs))
	require.NoError(t, w.EndChangeSets())
	require.NoError(t, w.BeginTypes())
	require.NoError(t, w.EndTypes())
	require.NoError(t, w.BeginTables())
	require.NoError(t, w.EndTables())
	require.NoError(t, w.EndDocument())

	cfg := newTestConfig()
	cfg.Renames = map[string]string{"OldFoo": "Foo"}
	sink := newRecordingSink()
	_, err = newTestLoader(t, s, buf.Bytes(), sink, cfg).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sink.sets, 1)
	assert.Same(t, s.foo, sink.sets[0].Creations[0].ID.Type)
}

func TestLoader_RenameTypeRescuesMissingType(t *testing.T) {
	s := newTestSchema(t)
	legacy := schema.NewType("OldFoo")
	reg, err := schema.NewRegistry(legacy)
	require.NoError(t, err)

	cs := models.NewChangeSet(models.NewCommitEvent(1, "alice", time.UnixMilli(0), "m"))
	cs.Add(models.ObjectCreation{ID: models.ObjectBranchID{Branch: 1, Type: legacy, Name: "a"}, Values: models.Values{}})
	var buf bytes.Buffer
	w := dump.NewWriter(&buf, codec.New(schema.NewResolver(reg, nil)))
	require.NoError(t, w.StartDocument(nil))
	require.NoError(t, w.BeginChangeSets())
	require.NoError(t, w.WriteChangeSet(cs))
	require.NoError(t, w.EndChangeSets())
	require.NoError(t, w.BeginTypes())
	require.NoError(t, w.EndTypes())
	require.NoError(t, w.BeginTables())
	require.NoError(t, w.EndTables())
	require.NoError(t, w.EndDocument())

	cfg := newTestConfig()
	cfg.Rewriters = []config.Stage{{Kind: "rename-type", From: "OldFoo", To: "Foo"}}
	sink := newRecordingSink()
	res, err := newTestLoader(t, s, buf.Bytes(), sink, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Skipped)
	require.Len(t, sink.sets, 1)
	require.Len(t, sink.sets[0].Creations, 1)
	assert.Same(t, s.foo, sink.sets[0].Creations[0].ID.Type)
}

func TestLoader_ResumesFromCheckpoint(t *testing.T) {
	s := newTestSchema(t)
	doc := s.write(t, document{sets: s.changeSets(4)})

	cps, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	defer cps.Close()
	require.NoError(t, cps.For("test", "earlier").Save(2))

	tracker := cps.For("test", "now")
	sink := newRecordingSink()
	res, err := newTestLoader(t, s, doc, sink, newTestConfig(), WithCheckpoints(tracker)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Resumed)
	assert.Equal(t, []string{"changeset@3", "changeset@4"}, sink.calls)

	p, err := cps.Get("test")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, p.Status)
	assert.Equal(t, int64(4), p.Revision)
}

func TestLoader_CanceledRunKeepsCheckpoint(t *testing.T) {
	s := newTestSchema(t)
	doc := s.write(t, document{sets: s.changeSets(5)})

	cps, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	defer cps.Close()

	sink := newRecordingSink()
	l := newTestLoader(t, s, doc, sink, newTestConfig(), WithCheckpoints(cps.For("test", "r1")))
	sink.onChangeSet = func(n int) {
		if n == 2 {
			l.Cancel()
		}
	}
	_, err = l.Run(context.Background())
	require.NoError(t, err)

	last, err := cps.For("test", "r2").Last()
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestLoader_ShiftRevisions(t *testing.T) {
	s := newTestSchema(t)
	sets := s.changeSets(2)
	sets[1].AddBranch(models.BranchEvent{Branch: 2, BaseBranch: 1, BaseRevision: 1})
	doc := s.write(t, document{sets: sets, items: s.items(1)})

	cfg := newTestConfig()
	cfg.Rewriters = []config.Stage{{Kind: "shift-revisions", Attributes: []string{"size"}}}
	sink := newRecordingSink()
	res, err := newTestLoader(t, s, doc, sink, cfg, WithStartRevision(100)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"changeset@100", "changeset@101", "items@102:1"}, sink.calls)
	assert.Equal(t, int64(101), res.LastRevision)
	assert.Equal(t, int64(100), sink.sets[1].Branches[0].BaseRevision)
	assert.Equal(t, int32(101), sink.sets[1].Creations[0].Values["size"])
	assert.Equal(t, int64(100), sink.sets[0].Commit.Revision)
}

func TestLoader_RowTransformers(t *testing.T) {
	s := newTestSchema(t)
	doc := s.write(t, document{rows: []models.Row{{"id": int64(1), "who": "alice", "secret": "x"}}})

	cfg := newTestConfig()
	cfg.Transformers = []config.Stage{
		{Kind: "rename-column", Table: "AUDIT", From: "who", To: "user"},
		{Kind: "drop-column", Attributes: []string{"secret"}},
		{Kind: "set-column", Name: "source", Value: "legacy"},
		{Kind: "rename-table", From: "audit", To: "audit_log"},
	}
	sink := newRecordingSink()
	_, err := newTestLoader(t, s, doc, sink, cfg).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, sink.rows["audit_log"], 1)
	assert.Equal(t, models.Row{"id": int64(1), "user": "alice", "source": "legacy"}, sink.rows["audit_log"][0])
}

func TestLoader_DropTable(t *testing.T) {
	s := newTestSchema(t)
	doc := s.write(t, document{rows: []models.Row{{"id": int64(1)}}})

	cfg := newTestConfig()
	cfg.Transformers = []config.Stage{{Kind: "drop-table", Table: "audit"}}
	sink := newRecordingSink()
	res, err := newTestLoader(t, s, doc, sink, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sink.rows)
	assert.Equal(t, 0, res.Rows)
}

func TestLoader_VersionGuardSkipsStage(t *testing.T) {
	s := newTestSchema(t)
	doc := s.write(t, document{
		version: &models.VersionDescriptor{Modules: map[string]string{"core": "2.1.0"}},
		sets:    s.changeSets(1),
	})

	cfg := newTestConfig()
	cfg.Rewriters = []config.Stage{{Kind: "filter-types", Types: []string{"Foo"}, Module: "core", Before: "2.0"}}
	sink := newRecordingSink()
	_, err := newTestLoader(t, s, doc, sink, cfg).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sink.sets, 1)
	assert.Len(t, sink.sets[0].Creations, 1)
}

func TestLoader_HeartbeatAndSlowChangeSet(t *testing.T) {
	s := newTestSchema(t)
	doc := s.write(t, document{sets: s.changeSets(3)})

	var logs bytes.Buffer
	base, err := logging.New(&logs, "info", "text")
	require.NoError(t, err)
	mig := logging.NewMigration(base)

	cfg := newTestConfig()
	cfg.Load.HeartbeatInterval = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Load.SlowChangeSet = config.Duration{Duration: time.Millisecond}
	sink := newRecordingSink()
	sink.delay = 20 * time.Millisecond

	_, err = newTestLoader(t, s, doc, sink, cfg, WithLogger(mig)).Run(context.Background())
	require.NoError(t, err)

	out := logs.String()
	assert.Contains(t, out, "replay heartbeat")
	assert.Contains(t, out, "slow changeset")
	assert.Contains(t, out, "run_id="+mig.RunID())
	assert.Contains(t, out, "original_revision=3")
}

func TestLoader_RejectsUnknownStage(t *testing.T) {
	s := newTestSchema(t)
	doc := s.write(t, document{})
	cfg := newTestConfig()
	cfg.Rewriters = []config.Stage{{Kind: "teleport"}}

	_, err := newTestLoader(t, s, doc, newRecordingSink(), cfg).Run(context.Background())
	assert.ErrorContains(t, err, "unknown kind")
}

// ==================== Stage Tests ====================

func newTestStageContext(t *testing.T, s *testSchema) StageContext {
	t.Helper()
	repo := schema.NewMigrationRepository(s.reg)
	return StageContext{StartRevision: 1, Resolver: schema.NewResolver(repo, nil), Logger: logging.NewMigration(nil).Logger()}
}

func runStage(t *testing.T, stage EventStage, cs *models.ChangeSet) []*models.ChangeSet {
	t.Helper()
	var out []*models.ChangeSet
	err := stage.Rewrite(context.Background(), cs, func(c *models.ChangeSet) error {
		out = append(out, c)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestApplies(t *testing.T) {
	v := &models.VersionDescriptor{Modules: map[string]string{"core": "1.4.2"}}
	tests := []struct {
		name  string
		stage config.Stage
		want  bool
	}{
		{"no guard", config.Stage{}, true},
		{"older dump", config.Stage{Module: "core", Before: "1.5"}, true},
		{"same version", config.Stage{Module: "core", Before: "1.4.2"}, false},
		{"newer dump", config.Stage{Module: "core", Before: "1.0"}, false},
		{"module not recorded", config.Stage{Module: "search", Before: "1.0"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Applies(v, tt.stage)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Applies(v, config.Stage{Module: "core", Before: "not-a-version"})
	assert.Error(t, err)
	got, err := Applies(nil, config.Stage{Module: "core", Before: "1.0"})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestFilterTypes_KeepsRevision(t *testing.T) {
	s := newTestSchema(t)
	stage, err := newFilterTypes(newTestStageContext(t, s), config.Stage{Types: []string{"foo_table"}})
	require.NoError(t, err)

	out := runStage(t, stage, s.changeSets(1)[0])
	require.Len(t, out, 1)
	assert.Equal(t, 0, out[0].Len())
	assert.Equal(t, int64(1), out[0].Revision)
}

func TestAttributeRewriters(t *testing.T) {
	s := newTestSchema(t)
	sc := newTestStageContext(t, s)
	id := models.ObjectBranchID{Branch: 1, Type: s.foo, Name: "a"}
	original := models.Values{"old": "x", "drop": int32(1)}

	cs := models.NewChangeSet(models.NewCommitEvent(2, "alice", time.UnixMilli(0), "m"))
	cs.Add(models.ItemUpdate{ID: id, Values: original, OldValues: models.Values{"old": "w"}})
	cs.Add(models.ObjectCreation{ID: models.ObjectBranchID{Branch: 1, Type: s.foo, Name: "b"}})

	rename, err := newRenameAttribute(sc, config.Stage{Type: "Foo", From: "old", To: "new"})
	require.NoError(t, err)
	drop, err := newDropAttribute(sc, config.Stage{Name: "drop"})
	require.NoError(t, err)
	set, err := newSetAttribute(sc, config.Stage{Name: "flag", Value: "true", ValueKind: "boolean"})
	require.NoError(t, err)

	out := runStage(t, rename, cs)
	out = runStage(t, drop, out[0])
	out = runStage(t, set, out[0])
	require.Len(t, out, 1)

	upd := out[0].Updates[0]
	assert.Equal(t, models.Values{"new": "x"}, upd.Values)
	assert.Equal(t, models.Values{"new": "w"}, upd.OldValues)
	assert.Equal(t, models.Values{"flag": true}, out[0].Creations[0].Values)

	// Input maps are untouched
	assert.Equal(t, models.Values{"old": "x", "drop": int32(1)}, original)
}

func TestRenameType(t *testing.T) {
	s := newTestSchema(t)
	stage, err := newRenameType(newTestStageContext(t, s), config.Stage{From: "Foo", To: "Setting"})
	require.NoError(t, err)

	out := runStage(t, stage, s.changeSets(1)[0])
	assert.Same(t, s.setting, out[0].Creations[0].ID.Type)
}

func TestRenameType_AliasesMissingType(t *testing.T) {
	s := newTestSchema(t)
	sc := newTestStageContext(t, s)
	_, err := newRenameType(sc, config.Stage{From: "Gone", To: "Foo"})
	require.NoError(t, err)

	assert.Same(t, s.foo, sc.Resolver.Resolve("Gone"))
	assert.True(t, sc.Resolver.Known("gone"))
}

func TestStageFactories_RequireKeys(t *testing.T) {
	s := newTestSchema(t)
	sc := newTestStageContext(t, s)

	for _, kind := range []string{"filter-types", "rename-type", "rename-attribute", "drop-attribute", "set-attribute"} {
		_, err := eventStages[kind](sc, config.Stage{Kind: kind})
		assert.ErrorIs(t, err, errMissingKey, kind)
	}
	for _, kind := range []string{"drop-table", "rename-table", "rename-column", "drop-column", "set-column"} {
		_, err := rowStages[kind](sc, config.Stage{Kind: kind})
		assert.ErrorIs(t, err, errMissingKey, kind)
	}
}

func TestStageKindsMatchConfig(t *testing.T) {
	for _, kind := range config.RewriterKinds {
		assert.Contains(t, eventStages, kind)
	}
	for _, kind := range config.TransformerKinds {
		assert.Contains(t, rowStages, kind)
	}
	assert.Len(t, eventStages, len(config.RewriterKinds))
	assert.Len(t, rowStages, len(config.TransformerKinds))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "completed", StatusCompleted.String())
	assert.True(t, strings.HasPrefix(StatusCanceled.String(), "cancel"))
}
