// Package cli implements the fdpctl subcommand tree for inspecting and
// maintaining Fast Data Plane recording files.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// NewRootCommand returns the fdpctl root with all subcommands wired in.
func NewRootCommand(logger *slog.Logger, version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "fdpctl",
		Short:         "Inspect and maintain flight recordings",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newInfoCmd(logger),
		newFramesCmd(logger),
		newVerifyCmd(logger),
		newArchiveCmd(logger),
		newUnarchiveCmd(logger),
	)
	return root
}
