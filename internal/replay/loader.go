// Package replay reads a dump document and replays it into a sink through the
// configured rewriters and row transformers.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/kilupskalvis/kbdump/internal/checkpoint"
	"github.com/kilupskalvis/kbdump/internal/config"
	"github.com/kilupskalvis/kbdump/internal/dump"
	"github.com/kilupskalvis/kbdump/internal/logging"
	"github.com/kilupskalvis/kbdump/internal/metrics"
	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
	"golang.org/x/sync/errgroup"
)

// Sink receives the replayed output. ApplyRows receives rows of one table.
// Finish is called once after the last input, also after a cancellation.
type Sink interface {
	ApplyChangeSet(ctx context.Context, cs *models.ChangeSet) error
	ApplyRows(ctx context.Context, table *schema.Type, rows []models.Row) error
	Finish(ctx context.Context) error
}

// Status is the terminal state of a run.
type Status int

const (
	StatusCompleted Status = iota
	StatusCanceled
)

func (s Status) String() string {
	if s == StatusCanceled {
		return checkpoint.StatusCanceled
	}
	return checkpoint.StatusCompleted
}

// MarkerAuthor is the author of the synthetic change sets holding unversioned
// items.
const MarkerAuthor = "kbdump"

// Result summarizes a run.
type Result struct {
	Status       Status
	ChangeSets   int
	Events       int
	Types        int
	Items        int
	Tables       int
	Rows         int
	Resumed      int
	Skipped      int
	LastRevision int64
	InlineErrors []string
	Duration     time.Duration
}

// Loader replays one document. It is not reusable.
type Loader struct {
	reader   *dump.Reader
	repo     *schema.MigrationRepository
	resolver *schema.Resolver
	sink     Sink
	cfg      *config.Migration

	start   int64
	tracker *checkpoint.Tracker
	log     *logging.Migration
	metrics *metrics.Metrics

	events  []EventStage
	rows    []RowStage
	buffers map[*schema.Type][]models.Row
	order   []*schema.Type

	canceled     atomic.Bool
	lastProgress atomic.Int64
	applied      atomic.Int64
	res          Result
}

// Option configures a Loader.
type Option func(*Loader)

// WithStartRevision sets the first revision the target accepts, usually its
// head plus one. It is passed to every rewriter.
func WithStartRevision(rev int64) Option {
	return func(l *Loader) { l.start = rev }
}

// WithCheckpoints resumes after the revision saved by t and saves progress
// after every change set.
func WithCheckpoints(t *checkpoint.Tracker) Option {
	return func(l *Loader) { l.tracker = t }
}

// WithLogger sets the logging façade.
func WithLogger(m *logging.Migration) Option {
	return func(l *Loader) { l.log = m }
}

// WithMetrics sets the metrics to update.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// NewLoader creates a loader reading in and resolving its type names against
// target. Names target does not know become placeholders.
func NewLoader(in io.Reader, target schema.Repository, sink Sink, cfg *config.Migration, opts ...Option) *Loader {
	if cfg == nil {
		cfg = config.Default()
	}
	repo := schema.NewMigrationRepository(target)
	resolver := schema.NewResolver(repo, cfg.Renames)
	l := &Loader{
		repo:     repo,
		resolver: resolver,
		sink:     sink,
		cfg:      cfg,
		buffers:  make(map[*schema.Type][]models.Row),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logging.NewMigration(nil)
	}
	l.reader = dump.NewReader(in, resolver,
		dump.WithReaderLogger(l.log.Logger()),
		dump.WithChangeSetStart(func(rev int64) { l.log.WithChangeSet(rev, rev) }),
	)
	return l
}

// Cancel requests the run to stop at the next change set, chunk or table
// boundary. It may be called from any goroutine.
func (l *Loader) Cancel() { l.canceled.Store(true) }

// Resolver returns the session resolver.
func (l *Loader) Resolver() *schema.Resolver { return l.resolver }

// halted reports a cancellation and marks the run canceled.
func (l *Loader) halted(ctx context.Context) bool {
	if l.canceled.Load() || ctx.Err() != nil {
		l.res.Status = StatusCanceled
		return true
	}
	return false
}

func (l *Loader) progress() {
	l.lastProgress.Store(time.Now().UnixNano())
}

// Run replays the document. A cancellation is not an error; the result then
// carries StatusCanceled.
func (l *Loader) Run(ctx context.Context) (Result, error) {
	began := time.Now()
	l.progress()

	version, err := l.reader.ReadHeader()
	if err != nil {
		return l.res, err
	}
	l.repo.Complete()

	sc := StageContext{StartRevision: l.start, Resolver: l.resolver, Version: version, Logger: l.log.Logger()}
	if l.events, err = BuildEventStages(sc, l.cfg.Rewriters); err != nil {
		return l.res, err
	}
	if l.rows, err = BuildRowStages(sc, l.cfg.Transformers); err != nil {
		return l.res, err
	}

	var resume int64
	if l.tracker != nil {
		if resume, err = l.tracker.Last(); err != nil {
			return l.res, fmt.Errorf("read checkpoint: %w", err)
		}
		if resume > 0 {
			l.log.Info("resuming after checkpoint", "revision", resume)
		}
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	g, hbCtx := errgroup.WithContext(hbCtx)
	g.Go(func() error {
		l.heartbeat(hbCtx)
		return nil
	})

	err = l.replay(ctx, resume)
	stopHeartbeat()
	g.Wait()

	l.res.Skipped = l.reader.Skipped()
	l.res.InlineErrors = l.reader.InlineErrors()
	l.res.Duration = time.Since(began)
	l.metrics.Skip(l.res.Skipped)

	if err != nil {
		l.finishCheckpoint(checkpoint.StatusFailed)
		return l.res, err
	}
	// Buffered work is completed even when canceled.
	fin := context.WithoutCancel(ctx)
	if err := l.flushRows(fin); err != nil {
		l.finishCheckpoint(checkpoint.StatusFailed)
		return l.res, err
	}
	if err := l.sink.Finish(fin); err != nil {
		l.finishCheckpoint(checkpoint.StatusFailed)
		return l.res, fmt.Errorf("finish sink: %w", err)
	}
	l.finishCheckpoint(l.res.Status.String())

	l.log.Info("replay "+l.res.Status.String(),
		"changesets", l.res.ChangeSets,
		"events", l.res.Events,
		"types", l.res.Types,
		"items", l.res.Items,
		"tables", l.res.Tables,
		"rows", l.res.Rows,
		"skipped", l.res.Skipped,
		"inline_errors", len(l.res.InlineErrors),
		"duration", l.res.Duration,
	)
	return l.res, nil
}

func (l *Loader) finishCheckpoint(status string) {
	if l.tracker == nil {
		return
	}
	if err := l.tracker.Finish(status); err != nil {
		l.log.Warn("failed to save checkpoint status", "error", err)
	}
}

func (l *Loader) replay(ctx context.Context, resume int64) error {
	if err := l.replayChangeSets(ctx, resume); err != nil {
		return err
	}
	if l.halted(ctx) {
		return nil
	}
	if err := l.replayItems(ctx); err != nil {
		return err
	}
	if l.halted(ctx) {
		return nil
	}
	return l.replayTables(ctx)
}

func (l *Loader) replayChangeSets(ctx context.Context, resume int64) error {
	slow := l.cfg.Load.SlowChangeSet.Duration
	for {
		if l.halted(ctx) {
			return nil
		}
		readStart := time.Now()
		cs, err := l.reader.NextChangeSet()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if cs.Revision <= resume {
			l.res.Resumed++
			continue
		}
		writeStart := time.Now()

		original := cs.Revision
		err = chainEvents(ctx, l.events, cs, func(out *models.ChangeSet) error {
			return l.apply(ctx, out, original)
		})
		if err != nil {
			return fmt.Errorf("revision %d: %w", original, err)
		}
		if l.tracker != nil {
			if err := l.tracker.Save(original); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
		}

		done := time.Now()
		l.metrics.ObserveChangeSet(done.Sub(readStart).Seconds())
		if slow > 0 && done.Sub(readStart) > slow {
			l.log.Warn("slow changeset",
				"read", writeStart.Sub(readStart),
				"write", done.Sub(writeStart),
				"events", cs.Len(),
			)
		}
	}
}

// apply hands one rewritten change set to the sink.
func (l *Loader) apply(ctx context.Context, cs *models.ChangeSet, original int64) error {
	if !cs.Synthetic {
		l.log.WithChangeSet(cs.Revision, original)
	}
	if err := l.sink.ApplyChangeSet(ctx, cs); err != nil {
		return err
	}
	if cs.Synthetic {
		l.res.Items += len(cs.Creations)
		l.metrics.Item(metrics.PhaseReplay, len(cs.Creations))
	} else {
		l.res.ChangeSets++
		l.res.Events += cs.Len()
		l.res.LastRevision = max(l.res.LastRevision, cs.Revision)
		l.applied.Add(1)
		l.metrics.ChangeSet(metrics.PhaseReplay)
		for _, ev := range cs.Events() {
			l.metrics.Event(metrics.PhaseReplay, ev.Kind().String())
		}
	}
	l.progress()
	return nil
}

// markerRevision is the revision of the synthetic change sets.
func (l *Loader) markerRevision() int64 {
	if l.cfg.Load.MarkerRevision > 0 {
		return l.cfg.Load.MarkerRevision
	}
	if l.res.LastRevision > 0 {
		return l.res.LastRevision + 1
	}
	return max(l.start, 1)
}

func (l *Loader) replayItems(ctx context.Context) error {
	marker := l.markerRevision()
	chunk := max(l.cfg.Load.ChunkSize, 1)

	for {
		if l.halted(ctx) {
			return nil
		}
		typ, err := l.reader.NextType()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		l.res.Types++
		l.log.Debug("replaying unversioned type", "type", typ.Name())

		cs := l.markerChangeSet(marker)
		for {
			item, err := l.reader.NextItem()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			cs.Add(item)
			if len(cs.Creations) < chunk {
				continue
			}
			if err := l.applySynthetic(ctx, cs); err != nil {
				return err
			}
			cs = l.markerChangeSet(marker)
			if l.halted(ctx) {
				return nil
			}
		}
		if len(cs.Creations) > 0 {
			if err := l.applySynthetic(ctx, cs); err != nil {
				return err
			}
		}
	}
}

func (l *Loader) markerChangeSet(marker int64) *models.ChangeSet {
	cs := models.NewChangeSet(models.NewCommitEvent(marker, MarkerAuthor, time.Now(), "unversioned items"))
	cs.Synthetic = true
	return cs
}

func (l *Loader) applySynthetic(ctx context.Context, cs *models.ChangeSet) error {
	err := chainEvents(ctx, l.events, cs, func(out *models.ChangeSet) error {
		return l.apply(ctx, out, cs.Revision)
	})
	if err != nil {
		return fmt.Errorf("unversioned items: %w", err)
	}
	return nil
}

func (l *Loader) replayTables(ctx context.Context) error {
	for {
		if l.halted(ctx) {
			return nil
		}
		table, err := l.reader.NextTable()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		l.res.Tables++

		for {
			row, err := l.reader.NextRow()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			if err := chainRows(ctx, l.rows, table, row, l.bufferRow(ctx)); err != nil {
				return fmt.Errorf("table %s: %w", table.Name(), err)
			}
		}
		if err := l.flushRows(ctx); err != nil {
			return err
		}
	}
}

// bufferRow returns the terminal row stage, which batches rows per target
// table.
func (l *Loader) bufferRow(ctx context.Context) func(*schema.Type, models.Row) error {
	return func(t *schema.Type, row models.Row) error {
		if _, ok := l.buffers[t]; !ok {
			l.order = append(l.order, t)
		}
		l.buffers[t] = append(l.buffers[t], row)
		if len(l.buffers[t]) >= max(l.cfg.Load.ChunkSize, 1) {
			return l.flushTable(ctx, t)
		}
		return nil
	}
}

func (l *Loader) flushTable(ctx context.Context, t *schema.Type) error {
	rows := l.buffers[t]
	if len(rows) == 0 {
		return nil
	}
	l.buffers[t] = nil
	if err := l.sink.ApplyRows(ctx, t, rows); err != nil {
		return fmt.Errorf("table %s: %w", t.Name(), err)
	}
	l.res.Rows += len(rows)
	l.metrics.Row(metrics.PhaseReplay, len(rows))
	l.progress()
	return nil
}

func (l *Loader) flushRows(ctx context.Context) error {
	for _, t := range l.order {
		if err := l.flushTable(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// heartbeat logs a progress line whenever an interval passed since the last
// one. It only reads atomics.
func (l *Loader) heartbeat(ctx context.Context) {
	interval := l.cfg.Load.HeartbeatInterval.Duration
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(last) < interval {
				continue
			}
			last = now
			idle := now.Sub(time.Unix(0, l.lastProgress.Load()))
			l.log.Info("replay heartbeat",
				"changesets", l.applied.Load(),
				"idle", idle.Round(time.Millisecond),
			)
		}
	}
}
