package cli

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/pjanec/fastdataplane/record"
)

func newFramesCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "frames FILE",
		Short: "List the frame index of a recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := record.Open(args[0], logger)
			if err != nil {
				return err
			}
			defer p.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FRAME\tTICK\tKIND\tCOMPRESSED\tUNCOMPRESSED\tOFFSET")
			for i, fi := range p.Frames() {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%d\n",
					i, fi.Tick, fi.Kind,
					datasize.ByteSize(fi.CompLen).HumanReadable(),
					datasize.ByteSize(fi.UncompLen).HumanReadable(),
					fi.Offset)
			}
			return w.Flush()
		},
	}
}
