// Package cli implements the ingest command line tool.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/endeavourhealth/transforms/internal/core"
	"github.com/endeavourhealth/transforms/internal/logging"
	"github.com/endeavourhealth/transforms/internal/schema"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format    string // "json" | "text"
	LogLevel  string
	Store     string
	Encoding  string
	Catalogue string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the ingest CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest clinical flat-file extracts",
		Long: `Ingest reads batches of delimited extract files from a source system,
maps every record onto clinical entities with stable global identities and
writes them to a store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			// Logs go to stderr so --format json output stays parseable.
			logging.SetupWriter(cmd.ErrOrStderr(), opts.LogLevel, "text")

			if opts.Catalogue != "" {
				cat, err := schema.Load(opts.Catalogue)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to load catalogue", err)
				}
				if err := core.ReplaceCatalogue(cat); err != nil {
					return WrapExitError(ExitCommandError, "failed to apply catalogue", err)
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.Store, "store", "memory", "store: memory, sqlite:<path> or a postgres:// URL")
	cmd.PersistentFlags().StringVar(&opts.Encoding, "encoding", "", "override the character set of every file, e.g. windows-1252")
	cmd.PersistentFlags().StringVar(&opts.Catalogue, "catalogue", "", "YAML catalogue replacing a built-in source's schemas")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSniffCommand(opts))
	cmd.AddCommand(NewSourcesCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
