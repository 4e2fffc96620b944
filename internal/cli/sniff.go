package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/endeavourhealth/transforms/internal/core"
	"github.com/endeavourhealth/transforms/internal/store/memstore"
)

// SniffOptions holds flags for the sniff command.
type SniffOptions struct {
	*RootOptions
	Source      string
	ContentType string
}

// NewSniffCommand creates the sniff command.
func NewSniffCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SniffOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sniff <file>",
		Short: "List the schema versions a file's header matches",
		Long: `Read the header of one extract file and report every known schema
version of the content type it is compatible with. No records are mapped.

Example:
  ingest sniff --source acme --content-type Patient ACME_ORG1_Patient_20240301.csv`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSniff(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", "", "source system key (required)")
	cmd.Flags().StringVar(&opts.ContentType, "content-type", "", "content type of the file (required)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("content-type")

	return cmd
}

func runSniff(cmd *cobra.Command, opts *SniffOptions, path string) error {
	// Sniffing never touches the store.
	svc := core.NewService(memstore.New(), core.ServiceConfig{})

	out := opts.formatter(cmd)
	result, err := svc.Sniff(opts.Source, opts.ContentType, path)
	if err != nil {
		_ = out.Failure(err, nil, nil)
		return WrapExitError(ExitCommandError, "sniff failed", err)
	}

	return out.Success(result, func(w io.Writer) {
		if len(result.Versions) == 0 {
			fmt.Fprintf(w, "%s: no %s version matches\n", result.File, result.ContentType)
			return
		}
		fmt.Fprintf(w, "%s: %s %s\n", result.File, result.ContentType, strings.Join(result.Versions, ", "))
	})
}
