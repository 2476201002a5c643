package main

import (
	"os"

	"github.com/marmos91/zarrstream/cmd/zarrstream/commands"

	// Register Prometheus metrics constructors.
	_ "github.com/marmos91/zarrstream/pkg/metrics/prometheus"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
