// Command kbdump dumps and replays versioned knowledge bases.
package main

import (
	"os"

	"github.com/kilupskalvis/kbdump/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
