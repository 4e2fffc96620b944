package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/endeavourhealth/transforms/internal/core"
)

// NewSourcesCommand creates the sources command.
func NewSourcesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sources",
		Short:         "List registered source systems",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := make([]core.SourceInfo, 0, core.SourceCount())
			for _, def := range core.All() {
				infos = append(infos, def.Info)
			}

			return rootOpts.formatter(cmd).Success(infos, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tPREFIX\tLABEL\tCONTENT TYPES")
				for _, info := range infos {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Key, info.Prefix, info.Label, strings.Join(info.ContentTypes, ", "))
				}
				tw.Flush()
			})
		},
	}
}
