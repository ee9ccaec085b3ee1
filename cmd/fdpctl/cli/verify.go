package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/cobra"

	"github.com/pjanec/fastdataplane/record"
)

func newVerifyCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "verify FILE",
		Short: "Decompress every frame and check the sidecar checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			out := cmd.OutOrStdout()

			p, err := record.Open(path, logger)
			if err != nil {
				return err
			}
			defer p.Close()
			if err := p.VerifyFrames(); err != nil {
				return fmt.Errorf("frame verification failed: %w", err)
			}
			fmt.Fprintf(out, "frames:   %d ok\n", p.TotalFrames())

			src, closer, size, err := record.OpenRaw(path)
			if err != nil {
				return err
			}
			defer closer.Close()
			h := xxhash.New()
			if _, err := io.Copy(h, io.NewSectionReader(src, 0, size)); err != nil {
				return err
			}
			sum := fmt.Sprintf("%016x", h.Sum64())

			m := p.Meta()
			switch {
			case m == nil:
				fmt.Fprintf(out, "checksum: %s (no sidecar to compare)\n", sum)
			case m.Checksum == sum:
				fmt.Fprintf(out, "checksum: %s ok\n", sum)
			default:
				return fmt.Errorf("checksum mismatch: file %s, sidecar %s", sum, m.Checksum)
			}
			return nil
		},
	}
}
