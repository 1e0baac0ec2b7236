package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cardflow/internal/pipeline"
)

var jsonOutput bool

type passFunc func(p *pipeline.Pipeline) []func(context.Context) (*pipeline.StageReport, error)

// stageCommand builds a command that runs one or more pipeline passes and
// prints their reports.
func stageCommand(use, short string, n needs, passes passFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := initEnv(ctx, n|needLock)
			if err != nil {
				return err
			}
			defer env.Close()

			var reports []*pipeline.StageReport
			for _, pass := range passes(env.Pipeline) {
				r, err := pass(ctx)
				if r != nil {
					reports = append(reports, r)
				}
				if err != nil {
					_ = printReports(cmd.OutOrStdout(), reports)
					return eris.Wrapf(err, "%s", use)
				}
			}
			return printReports(cmd.OutOrStdout(), reports)
		},
	}
}

func printReports(w io.Writer, reports []*pipeline.StageReport) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	for _, r := range reports {
		rows := make([][]string, 0, len(r.Outcomes))
		for _, o := range r.Outcomes {
			rows = append(rows, []string{o.Identity, string(o.Outcome), o.Reason})
		}
		t := r.Tally()
		fmt.Fprintf(w, "%s: %d advanced, %d flagged, %d skipped, %d pending, %d failed (%s)\n",
			r.Stage, t[pipeline.OutcomeAdvanced], t[pipeline.OutcomeFlagged], t[pipeline.OutcomeSkipped],
			t[pipeline.OutcomePending], t[pipeline.OutcomeFailed], r.Duration.Round(time.Millisecond))
		if len(rows) > 0 {
			fmt.Fprintln(w, renderTable([]string{"Identity", "Outcome", "Reason"}, rows, nil))
		}
	}
	return nil
}

var (
	imagesCmd = stageCommand("images", "Ingest new photos and rectify them to canonical images", 0,
		func(p *pipeline.Pipeline) []func(context.Context) (*pipeline.StageReport, error) {
			return []func(context.Context) (*pipeline.StageReport, error){p.Ingest, p.Normalize}
		})
	extractCmd = stageCommand("extract", "Identify normalized cards from text and visual search", needRecognize,
		func(p *pipeline.Pipeline) []func(context.Context) (*pipeline.StageReport, error) {
			return []func(context.Context) (*pipeline.StageReport, error){p.Recognize}
		})
	analyzeCmd = stageCommand("analyze", "Price recognized cards and choose sell or grade", needValue,
		func(p *pipeline.Pipeline) []func(context.Context) (*pipeline.StageReport, error) {
			return []func(context.Context) (*pipeline.StageReport, error){p.Value}
		})
	routeCmd = stageCommand("route", "Commit valued cards to the listing or submission batch", 0,
		func(p *pipeline.Pipeline) []func(context.Context) (*pipeline.StageReport, error) {
			return []func(context.Context) (*pipeline.StageReport, error){p.Route}
		})
	ebayCmd = stageCommand("ebay", "Route valued cards and flush the listing batch to eBay", needList,
		ebayPasses)
	psaCmd = stageCommand("psa", "Route valued cards and flush the submission batch to the grading service", needSubmit,
		psaPasses)
	archiveCmd = stageCommand("archive", "Archive listed and submitted cards", 0,
		func(p *pipeline.Pipeline) []func(context.Context) (*pipeline.StageReport, error) {
			return []func(context.Context) (*pipeline.StageReport, error){p.Archive}
		})
)

// ebayPasses routes first so cards valued since the last route are part of
// the flushed batch.
func ebayPasses(p *pipeline.Pipeline) []func(context.Context) (*pipeline.StageReport, error) {
	return []func(context.Context) (*pipeline.StageReport, error){p.Route, p.FlushListings}
}

func psaPasses(p *pipeline.Pipeline) []func(context.Context) (*pipeline.StageReport, error) {
	return []func(context.Context) (*pipeline.StageReport, error){p.Route, p.FlushSubmissions}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every stage and flush both batches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, needAll)
		if err != nil {
			return err
		}
		defer env.Close()

		reports, err := env.Pipeline.Run(ctx)
		if perr := printReports(cmd.OutOrStdout(), reports); perr != nil && err == nil {
			err = perr
		}
		return eris.Wrap(err, "pipeline run")
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of tables")
	for _, c := range []*cobra.Command{imagesCmd, extractCmd, analyzeCmd, routeCmd, ebayCmd, psaCmd, runCmd, archiveCmd} {
		rootCmd.AddCommand(c)
	}
}
