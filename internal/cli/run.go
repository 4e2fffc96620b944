package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/endeavourhealth/transforms/internal/core"
	"github.com/endeavourhealth/transforms/internal/pipeline"
)

// maxListedFailures caps the failures printed in text mode; JSON gets all.
const maxListedFailures = 20

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Source string
	Org    string
	Only   []string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <file>...",
		Short: "Ingest one batch of extract files",
		Long: `Ingest one batch of extract files from a single source system.

Every file name must follow <prefix>_<org>_<content type>_<timestamp>.csv and
every content type the source's plan needs must be present.

Example:
  ingest run --source acme --store sqlite:ingest.db extracts/ACME_ORG1_*.csv
  ingest run --source acme --only Patient=3,7 --format json extracts/*.csv`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", "", "source system key (required)")
	cmd.Flags().StringVar(&opts.Org, "org", "", "organisation every file must belong to")
	cmd.Flags().StringArrayVar(&opts.Only, "only", nil, "process only these records, e.g. Patient=1,5 (repeatable)")
	_ = cmd.MarkFlagRequired("source")

	return cmd
}

func runIngest(cmd *cobra.Command, opts *RunOptions, files []string) error {
	restrict, err := parseRestrict(opts.Only)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --only", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, opts.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	svc := core.NewService(st, core.ServiceConfig{MaxConcurrentRuns: 1, Encoding: opts.Encoding})

	req := core.RunRequest{Source: opts.Source, Org: opts.Org, Files: files, Restrict: restrict}
	res, runErr := svc.Run(ctx, req, func(p core.RunProgress) {
		slog.Debug("progress", "state", p.State, "stage", p.Stage, "read", p.RecordsRead, "failed", p.Failed)
	})

	out := opts.formatter(cmd)
	if runErr == nil {
		return out.Success(res, func(w io.Writer) { renderResult(w, res) })
	}

	if res == nil {
		// Nothing ran: unknown source, bad org, no free slot.
		_ = out.Failure(runErr, nil, nil)
		return WrapExitError(ExitCommandError, "run rejected", runErr)
	}
	_ = out.Failure(runErr, res, func(w io.Writer) { renderResult(w, res) })
	return WrapExitError(ExitFailure, "run failed", runErr)
}

func renderResult(w io.Writer, res *pipeline.RunResult) {
	fmt.Fprintf(w, "Run %s (%s/%s): %s in %s\n", res.RunID, res.Source, res.Org, res.State, res.Duration().Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tFILE\tVERSION\tREAD\tMAPPED\tFAILED")
	for _, st := range res.Stages {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n", st.Name, st.File, st.Version, st.Read, st.Mapped, st.Failed)
	}
	tw.Flush()

	types := make([]string, 0, len(res.Saved))
	for t := range res.Saved {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "saved %s: %d\n", t, res.Saved[t])
	}
	if res.LookupsWritten > 0 {
		fmt.Fprintf(w, "lookups: %d in %d batches\n", res.LookupsWritten, res.LookupBatches)
	}
	for _, name := range res.Ignored {
		fmt.Fprintf(w, "ignored: %s\n", name)
	}

	for i, f := range res.Failures {
		if i == maxListedFailures {
			fmt.Fprintf(w, "... and %d more failures\n", len(res.Failures)-maxListedFailures)
			break
		}
		fmt.Fprintf(w, "failed %s record %d (line %d): %s\n", f.Coord.File, f.Coord.Record, f.Coord.Line, f.Reason)
	}
}

// parseRestrict turns "Patient=1,5" flags into a record restriction map.
func parseRestrict(values []string) (map[string][]int, error) {
	if len(values) == 0 {
		return nil, nil
	}
	restrict := make(map[string][]int)
	for _, v := range values {
		contentType, list, ok := strings.Cut(v, "=")
		contentType = strings.TrimSpace(contentType)
		if !ok || contentType == "" || list == "" {
			return nil, fmt.Errorf("%q: want <content type>=<record>[,<record>...]", v)
		}
		for _, s := range strings.Split(list, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("%q: record numbers start at 1", v)
			}
			restrict[contentType] = append(restrict[contentType], n)
		}
	}
	return restrict, nil
}
