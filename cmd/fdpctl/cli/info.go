package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/pjanec/fastdataplane/record"
)

func newInfoCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "info FILE",
		Short: "Show recording header, sidecar and frame counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := record.Open(args[0], logger)
			if err != nil {
				return err
			}
			defer p.Close()

			h := p.Header()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "format version: %d\n", h.Version)
			fmt.Fprintf(out, "created:        %s\n", time.Unix(h.Timestamp, 0).UTC().Format(time.RFC3339))
			fmt.Fprintf(out, "frames:         %d\n", p.TotalFrames())

			keyframes := 0
			var payload uint64
			var lastTick uint64
			for _, fi := range p.Frames() {
				if fi.Kind == record.FrameKeyframe {
					keyframes++
				}
				payload += uint64(fi.CompLen)
				lastTick = fi.Tick
			}
			fmt.Fprintf(out, "keyframes:      %d\n", keyframes)
			fmt.Fprintf(out, "last tick:      %d\n", lastTick)
			fmt.Fprintf(out, "payload bytes:  %s\n", datasize.ByteSize(payload).HumanReadable())

			if m := p.Meta(); m != nil {
				fmt.Fprintf(out, "name:           %s\n", m.Name)
				fmt.Fprintf(out, "session:        %s\n", m.SessionID)
				fmt.Fprintf(out, "dropped frames: %d\n", m.DroppedFrames)
				fmt.Fprintf(out, "entity hiwater: %d\n", m.MaxEntityIndex)
				fmt.Fprintf(out, "checksum:       %s\n", m.Checksum)
				if m.Hostname != "" {
					fmt.Fprintf(out, "recorded on:    %s\n", m.Hostname)
				}
			} else {
				fmt.Fprintln(out, "sidecar:        (absent)")
			}
			return nil
		},
	}
}
