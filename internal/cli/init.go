package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/kilupskalvis/kbdump/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a kbdump project",
	Long: `Create a .kbdump directory in the current directory holding a default
migration.toml and, once a load has run, the replay checkpoints.`,
	Args: cobra.NoArgs,
	Run:  runInit,
}

func runInit(cmd *cobra.Command, args []string) {
	if _, err := config.FindProjectRoot(); err == nil {
		exitError("kbdump project already exists")
	}

	dir, err := os.Getwd()
	if err != nil {
		exitError("%v", err)
	}
	cfg, err := config.Initialize(dir)
	if err != nil {
		exitError("failed to initialize project: %v", err)
	}

	fmt.Printf("Initialized kbdump project in %s\n", cfg.ProjectPath())
	color.New(color.FgCyan).Printf("Edit %s/%s to configure rewriters and transformers.\n", config.ProjectDir, config.ConfigFile)
}
