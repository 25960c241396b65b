package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/kilupskalvis/kbdump/internal/checkpoint"
	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "List or reset saved load progress",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved load progress",
	Args:  cobra.NoArgs,
	Run:   runCheckpointList,
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset <name>...",
	Short: "Forget saved load progress so the next load starts over",
	Args:  cobra.MinimumNArgs(1),
	Run:   runCheckpointReset,
}

func init() {
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointResetCmd)
}

func openCheckpoints() (*cmdContext, *checkpoint.Store) {
	c := initContext()
	cps, err := checkpoint.Open(c.Config.CheckpointPath())
	if err != nil {
		c.Close()
		exitError("failed to open checkpoints: %v", err)
	}
	return c, cps
}

func runCheckpointList(cmd *cobra.Command, args []string) {
	c, cps := openCheckpoints()
	defer c.Close()
	defer cps.Close()

	names, err := cps.Names()
	if err != nil {
		exitError("failed to list checkpoints: %v", err)
	}
	if len(names) == 0 {
		fmt.Println("No saved progress")
		return
	}

	for _, name := range names {
		p, err := cps.Get(name)
		if err != nil {
			exitError("failed to read checkpoint %s: %v", name, err)
		}
		statusColor(p.Status).Printf("%-10s ", p.Status)
		fmt.Printf("%s  revision %d  %s", name, p.Revision, p.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		if p.RunID != "" {
			color.New(color.FgHiBlack).Printf("  run %s", p.RunID)
		}
		fmt.Println()
	}
}

func statusColor(status string) *color.Color {
	switch status {
	case checkpoint.StatusCompleted:
		return color.New(color.FgGreen)
	case checkpoint.StatusFailed:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}

func runCheckpointReset(cmd *cobra.Command, args []string) {
	c, cps := openCheckpoints()
	defer c.Close()
	defer cps.Close()

	for _, name := range args {
		if err := cps.Reset(name); err != nil {
			exitError("failed to reset %s: %v", name, err)
		}
		fmt.Printf("Reset %s\n", name)
	}
}
