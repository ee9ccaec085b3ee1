// Command fdpctl inspects Fast Data Plane recording files.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to commands via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"log/slog"
	"os"

	"github.com/pjanec/fastdataplane/cmd/fdpctl/cli"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("FDP_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	root := cli.NewRootCommand(logger, version)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
