package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5"
	"github.com/kilupskalvis/kbdump/internal/dump"
	"github.com/kilupskalvis/kbdump/internal/extract"
	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/pgsource"
	"github.com/kilupskalvis/kbdump/internal/store"
	"github.com/spf13/cobra"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <output>",
	Short: "Write the history of a knowledge base to a dump file",
	Long: `Write every change set, every unversioned instance and every plain table
of a knowledge base to an XML dump. Output paths ending in .gz or .gzip are
gzip-compressed. The file only appears once the dump is complete.`,
	Args: cobra.ExactArgs(1),
	Run:  runDump,
}

var (
	dumpKB       string
	dumpPostgres string
	dumpPGSchema string
)

func init() {
	dumpCmd.Flags().StringVar(&dumpKB, "kb", "", "Knowledge base store to dump (required)")
	dumpCmd.Flags().StringVar(&dumpPostgres, "postgres", "", "Read plain tables from this postgres connection string instead of the store")
	dumpCmd.Flags().StringVar(&dumpPGSchema, "postgres-schema", "public", "Postgres schema holding the plain tables")
	dumpCmd.MarkFlagRequired("kb")
}

func runDump(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(dumpKB)
	if err != nil {
		exitError("failed to open store: %v", err)
	}
	defer st.Close()
	if err := st.Initialize(); err != nil {
		exitError("failed to initialize store: %v", err)
	}

	var tables extract.TableSource = st
	if dumpPostgres != "" {
		conn, err := pgx.Connect(ctx, dumpPostgres)
		if err != nil {
			exitError("failed to connect to postgres: %v", err)
		}
		defer conn.Close(context.WithoutCancel(ctx))
		tables = pgsource.New(conn, dumpPGSchema)
	}

	cfg := c.Config
	opts := extract.Options{
		ChunkSize:  cfg.Dump.ChunkSize,
		FlushEvery: cfg.Dump.FlushEvery,
		Include:    cfg.Dump.IncludeTypes,
		Exclude:    cfg.Dump.ExcludeTypes,
		Version:    &models.VersionDescriptor{Modules: cfg.Modules},
	}
	ex := extract.New(st.Repository(), st, st, tables, opts, c.Logger, c.Metrics)

	out, err := dump.Create(args[0])
	if err != nil {
		exitError("%v", err)
	}
	w := dump.NewWriter(out, st.Codec(),
		dump.WithFailFast(cfg.Dump.FailOnFirstError),
		dump.WithWriterLogger(c.Logger),
	)

	res, err := ex.Run(ctx, w)
	if err != nil {
		out.Abort()
		exitError("dump failed: %v", err)
	}
	if err := w.Close(); err != nil {
		out.Abort()
		exitError("failed to write dump: %v", err)
	}

	printDumpResult(args[0], res)
}

func printDumpResult(path string, res extract.Result) {
	fmt.Printf("Wrote %s\n", path)
	fmt.Printf("  change sets:  %d\n", res.ChangeSets)
	fmt.Printf("  types:        %d (%d items)\n", res.Types, res.Items)
	fmt.Printf("  tables:       %d (%d rows)\n", res.Tables, res.Rows)
	if len(res.Errors) == 0 {
		return
	}
	red := color.New(color.FgRed)
	red.Printf("  errors:       %d\n", len(res.Errors))
	for _, err := range res.Errors {
		red.Printf("    %v\n", err)
	}
}
