package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pjanec/fastdataplane/record"
)

func newArchiveCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "archive FILE",
		Short: "Compress a closed recording into a seekable zstd archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archived, err := record.Archive(args[0])
			if err != nil {
				return err
			}
			logger.Info("recording archived", "path", archived)
			fmt.Fprintln(cmd.OutOrStdout(), archived)
			return nil
		},
	}
}

func newUnarchiveCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "unarchive FILE",
		Short: "Restore an archived recording to its plain form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			restored, err := record.Unarchive(args[0])
			if err != nil {
				return err
			}
			logger.Info("recording restored", "path", restored)
			fmt.Fprintln(cmd.OutOrStdout(), restored)
			return nil
		},
	}
}
