package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/kilupskalvis/kbdump/internal/dump"
	"github.com/kilupskalvis/kbdump/internal/schema"
	"github.com/kilupskalvis/kbdump/internal/store"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <dump>",
	Short: "Summarize a dump file",
	Long: `Read a dump without replaying it and print its module versions, revision
range and the number of events, items and rows it holds. Types are resolved
against the --kb store; elements of unknown types are counted as skipped.`,
	Args: cobra.ExactArgs(1),
	Run:  runInspect,
}

var inspectKB string

func init() {
	inspectCmd.Flags().StringVar(&inspectKB, "kb", "", "Knowledge base store providing the type catalog (required)")
	inspectCmd.MarkFlagRequired("kb")
}

// dumpSummary counts the contents of a dump.
type dumpSummary struct {
	Modules      map[string]string
	ChangeSets   int
	FirstRev     int64
	LastRev      int64
	Creations    int
	Updates      int
	Deletions    int
	Branches     int
	Types        map[string]int
	Tables       map[string]int
	Skipped      int
	InlineErrors []string
}

func inspectDump(in io.Reader, repo schema.Repository, renames map[string]string) (*dumpSummary, error) {
	mig := schema.NewMigrationRepository(repo)
	r := dump.NewReader(in, schema.NewResolver(mig, renames))

	version, err := r.ReadHeader()
	if err != nil {
		return nil, err
	}
	mig.Complete()

	s := &dumpSummary{Types: make(map[string]int), Tables: make(map[string]int)}
	if version != nil {
		s.Modules = version.Modules
	}

	for {
		cs, err := r.NextChangeSet()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if s.ChangeSets == 0 {
			s.FirstRev = cs.Revision
		}
		s.ChangeSets++
		s.LastRev = cs.Revision
		s.Creations += len(cs.Creations)
		s.Updates += len(cs.Updates)
		s.Deletions += len(cs.Deletions)
		s.Branches += len(cs.Branches)
	}

	for {
		t, err := r.NextType()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		n, err := drain(r.NextItem)
		if err != nil {
			return nil, err
		}
		s.Types[t.Name()] += n
	}

	for {
		t, err := r.NextTable()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		n, err := drain(r.NextRow)
		if err != nil {
			return nil, err
		}
		s.Tables[t.Name()] += n
	}

	s.Skipped = r.Skipped()
	s.InlineErrors = r.InlineErrors()
	return s, nil
}

func drain[T any](next func() (T, error)) (int, error) {
	n := 0
	for {
		if _, err := next(); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		n++
	}
}

func runInspect(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	st, err := store.New(inspectKB)
	if err != nil {
		exitError("failed to open store: %v", err)
	}
	defer st.Close()
	if err := st.Initialize(); err != nil {
		exitError("failed to initialize store: %v", err)
	}

	in, err := dump.Open(args[0])
	if err != nil {
		exitError("%v", err)
	}
	defer in.Close()

	s, err := inspectDump(in, st.Repository(), c.Config.Renames)
	if err != nil {
		exitError("failed to read dump: %v", err)
	}
	printSummary(s)
}

func printSummary(s *dumpSummary) {
	bold := color.New(color.Bold)
	yellow := color.New(color.FgYellow)

	if len(s.Modules) > 0 {
		bold.Println("Modules:")
		for _, name := range sortedNames(s.Modules) {
			fmt.Printf("  %s %s\n", name, s.Modules[name])
		}
	}

	bold.Println("Change sets:")
	if s.ChangeSets == 0 {
		fmt.Println("  none")
	} else {
		fmt.Printf("  %d revisions (%d..%d)\n", s.ChangeSets, s.FirstRev, s.LastRev)
		fmt.Printf("  %d creations, %d updates, %d deletions, %d branches\n",
			s.Creations, s.Updates, s.Deletions, s.Branches)
	}

	bold.Println("Unversioned types:")
	for _, name := range sortedNames(s.Types) {
		fmt.Printf("  %-30s %d items\n", name, s.Types[name])
	}

	bold.Println("Tables:")
	for _, name := range sortedNames(s.Tables) {
		fmt.Printf("  %-30s %d rows\n", name, s.Tables[name])
	}

	if s.Skipped > 0 {
		yellow.Printf("\n%d elements of unknown types skipped\n", s.Skipped)
	}
	if len(s.InlineErrors) > 0 {
		color.New(color.FgRed).Printf("\n%d units failed during the dump:\n", len(s.InlineErrors))
		for _, msg := range s.InlineErrors {
			fmt.Printf("  %s\n", msg)
		}
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
