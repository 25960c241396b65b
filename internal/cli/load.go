package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5"
	"github.com/kilupskalvis/kbdump/internal/checkpoint"
	"github.com/kilupskalvis/kbdump/internal/dump"
	"github.com/kilupskalvis/kbdump/internal/logging"
	"github.com/kilupskalvis/kbdump/internal/replay"
	"github.com/kilupskalvis/kbdump/internal/sqlsink"
	"github.com/kilupskalvis/kbdump/internal/store"
	"github.com/spf13/cobra"
)

var loadCmd = &cobra.Command{
	Use:   "load <dump>",
	Short: "Replay a dump file",
	Long: `Replay a dump into a knowledge base store, or into SQL tables holding one
row per object version.

The type catalog of the --kb store decides which dumped types are known.
Without another target the dump is replayed into that store. With --sql-out,
--sqlite or --postgres the versioned rows are written there instead.

Progress is saved after every change set. A canceled or failed load resumes
after the last applied revision unless --fresh is given.`,
	Args: cobra.ExactArgs(1),
	Run:  runLoad,
}

var (
	loadKB           string
	loadSQLOut       string
	loadDialect      string
	loadSQLite       string
	loadPostgres     string
	loadStart        int64
	loadName         string
	loadFresh        bool
	loadNoCheckpoint bool
	loadNoSummary    bool
)

func init() {
	loadCmd.Flags().StringVar(&loadKB, "kb", "", "Knowledge base store providing the type catalog (required)")
	loadCmd.Flags().StringVar(&loadSQLOut, "sql-out", "", "Write INSERT statements to this file")
	loadCmd.Flags().StringVar(&loadDialect, "dialect", "sqlite", "SQL dialect of --sql-out (sqlite, postgres)")
	loadCmd.Flags().StringVar(&loadSQLite, "sqlite", "", "Insert versioned rows into this sqlite database")
	loadCmd.Flags().StringVar(&loadPostgres, "postgres", "", "Copy versioned rows into this postgres connection string")
	loadCmd.Flags().Int64Var(&loadStart, "start-revision", 0, "First revision the target accepts (default: head of the store plus one)")
	loadCmd.Flags().StringVar(&loadName, "name", "", "Checkpoint name (default: dump file name)")
	loadCmd.Flags().BoolVar(&loadFresh, "fresh", false, "Discard saved progress before loading")
	loadCmd.Flags().BoolVar(&loadNoCheckpoint, "no-checkpoint", false, "Neither read nor save progress")
	loadCmd.Flags().BoolVar(&loadNoSummary, "quiet", false, "Do not print a summary")
	loadCmd.MarkFlagRequired("kb")
	loadCmd.MarkFlagsMutuallyExclusive("sql-out", "sqlite", "postgres")
}

var (
	_ replay.Sink = (*store.Store)(nil)
	_ replay.Sink = (*sqlsink.Builder)(nil)
)

// target is the replay sink together with what must be released after it.
type target struct {
	sink    replay.Sink
	builder *sqlsink.Builder
	closers []func()
}

func (t *target) Close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		t.closers[i]()
	}
}

func openTarget(ctx context.Context, c *cmdContext, st *store.Store, log *logging.Migration) (*target, error) {
	t := &target{}
	size := c.Config.Load.StatementSize
	var out sqlsink.InsertWriter

	switch {
	case loadSQLOut != "":
		d, err := sqlsink.ParseDialect(loadDialect)
		if err != nil {
			return nil, err
		}
		f, err := os.Create(loadSQLOut)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", loadSQLOut, err)
		}
		out = sqlsink.NewTextWriter(f, d, size)
	case loadSQLite != "":
		db, err := sql.Open("sqlite", loadSQLite+"?_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", loadSQLite, err)
		}
		t.closers = append(t.closers, func() { db.Close() })
		retry := sqlsink.DefaultRetryConfig()
		retry.MaxRetries = c.Config.Load.MaxRetries
		retry.InitialBackoff = c.Config.Load.RetryBackoff.Duration
		out = sqlsink.NewRetryWriter(sqlsink.NewExecWriter(db, sqlsink.SQLite, size), retry)
	case loadPostgres != "":
		conn, err := pgx.Connect(ctx, loadPostgres)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		t.closers = append(t.closers, func() { conn.Close(context.WithoutCancel(ctx)) })
		out = sqlsink.NewCopyWriter(conn, size)
	default:
		t.sink = st
		return t, nil
	}

	t.builder = sqlsink.NewBuilder(out,
		sqlsink.WithBufferSize(c.Config.Load.BufferSize),
		sqlsink.WithMaxDataSize(c.Config.Load.MaxDataSize),
		sqlsink.WithBuilderLogger(log.Logger()),
	)
	t.sink = t.builder
	return t, nil
}

func runLoad(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	ctx := context.Background()

	st, err := store.New(loadKB)
	if err != nil {
		exitError("failed to open store: %v", err)
	}
	defer st.Close()
	if err := st.Initialize(); err != nil {
		exitError("failed to initialize store: %v", err)
	}

	log := logging.NewMigration(c.Logger)
	tgt, err := openTarget(ctx, c, st, log)
	if err != nil {
		exitError("%v", err)
	}
	defer tgt.Close()

	start := loadStart
	if start == 0 && tgt.builder == nil {
		head, err := st.HeadRevision(ctx)
		if err != nil {
			exitError("failed to read head revision: %v", err)
		}
		start = head + 1
	}

	in, err := dump.Open(args[0])
	if err != nil {
		exitError("%v", err)
	}
	defer in.Close()

	opts := []replay.Option{
		replay.WithStartRevision(start),
		replay.WithLogger(log),
		replay.WithMetrics(c.Metrics),
	}

	if !loadNoCheckpoint {
		cps, err := checkpoint.Open(c.Config.CheckpointPath())
		if err != nil {
			exitError("failed to open checkpoints: %v", err)
		}
		defer cps.Close()
		name := loadName
		if name == "" {
			name = filepath.Base(args[0])
		}
		if loadFresh {
			if err := cps.Reset(name); err != nil {
				exitError("failed to reset checkpoint: %v", err)
			}
		}
		opts = append(opts, replay.WithCheckpoints(cps.For(name, log.RunID())))
	}

	loader := replay.NewLoader(in, st.Repository(), tgt.sink, c.Config, opts...)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			log.Warn("cancel requested, stopping at the next change set")
			loader.Cancel()
		}
	}()

	res, err := loader.Run(ctx)
	if err != nil {
		exitError("load failed: %v", err)
	}
	if !loadNoSummary {
		printLoadResult(res, tgt.builder)
	}
}

func printLoadResult(res replay.Result, b *sqlsink.Builder) {
	status := color.New(color.FgGreen)
	if res.Status == replay.StatusCanceled {
		status = color.New(color.FgYellow)
	}
	status.Printf("Load %s in %s\n", res.Status, res.Duration.Round(time.Millisecond))
	fmt.Printf("  change sets:  %d (%d events)\n", res.ChangeSets, res.Events)
	if res.Resumed > 0 {
		fmt.Printf("  resumed over: %d change sets\n", res.Resumed)
	}
	fmt.Printf("  types:        %d (%d items)\n", res.Types, res.Items)
	fmt.Printf("  tables:       %d (%d rows)\n", res.Tables, res.Rows)
	if res.LastRevision > 0 {
		fmt.Printf("  last rev:     %d\n", res.LastRevision)
	}
	if b != nil {
		s := b.Stats()
		fmt.Printf("  sql rows:     %d (%d revisions, %d branches)\n", s.Rows, s.Revisions, s.Branches)
		if s.Dropped > 0 {
			color.New(color.FgYellow).Printf("  dropped:      %d inconsistent events\n", s.Dropped)
		}
	}
	if res.Skipped > 0 {
		color.New(color.FgYellow).Printf("  skipped:      %d elements of unknown types\n", res.Skipped)
	}
	if len(res.InlineErrors) > 0 {
		red := color.New(color.FgRed)
		red.Printf("  dump errors:  %d\n", len(res.InlineErrors))
		for _, msg := range res.InlineErrors {
			red.Printf("    %s\n", msg)
		}
	}
}
