package main

import (
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/pipeline"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the manual review queue",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List assets waiting for review",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), 0)
		if err != nil {
			return err
		}
		defer env.Close()

		queue, err := env.Pipeline.ReviewQueue(cmd.Context())
		if err != nil {
			return err
		}
		return printQueue(cmd.OutOrStdout(), queue)
	},
}

func printQueue(w io.Writer, queue []*model.CardAsset) error {
	if jsonOutput {
		return writeJSON(w, queue)
	}
	rows := make([][]string, 0, len(queue))
	for _, a := range queue {
		row := []string{a.Identity, "", "", ""}
		if a.Review != nil {
			row[1], row[2], row[3] = string(a.Review.Stage), string(a.Review.Kind), a.Review.Reason
		}
		rows = append(rows, row)
	}
	fmt.Fprintln(w, renderTable([]string{"Identity", "Stage", "Kind", "Reason"}, rows, nil))
	return nil
}

var correction pipeline.Correction

var reviewResolveCmd = &cobra.Command{
	Use:   "resolve <identity>",
	Short: "Identify a flagged card by hand and send it back to valuation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), needLock)
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.Pipeline.Resolve(cmd.Context(), args[0], correction)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", a.Identity, a.State)
		return nil
	},
}

var reviewRetryCmd = &cobra.Command{
	Use:   "retry <identity>",
	Short: "Return a flagged card to the stage that flagged it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), needLock)
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.Pipeline.Retry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", a.Identity, a.State)
		return nil
	},
}

var reviewSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Close Notion review pages for assets no longer under review",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, 0)
		if err != nil {
			return err
		}
		defer env.Close()
		if env.Notion == nil {
			return eris.New("notion review mirror is not configured")
		}

		queue, err := env.Pipeline.ReviewQueue(ctx)
		if err != nil {
			return err
		}
		open := make(map[string]bool, len(queue))
		for _, a := range queue {
			open[a.Identity] = true
			env.Notion.Flagged(ctx, a)
		}
		closed, err := env.Notion.Sync(ctx, open)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d open, %d closed\n", len(open), closed)
		return nil
	},
}

func init() {
	f := reviewResolveCmd.Flags()
	f.IntVar(&correction.Year, "year", 0, "card year (required)")
	f.StringVar(&correction.Set, "set", "", "set name (required)")
	f.StringVar(&correction.Player, "player", "", "player name")
	f.StringVar(&correction.Number, "number", "", "card number")
	f.IntVar(&correction.Grade, "grade", 0, "replace the estimated grade")
	_ = reviewResolveCmd.MarkFlagRequired("year")
	_ = reviewResolveCmd.MarkFlagRequired("set")

	reviewCmd.AddCommand(reviewListCmd, reviewResolveCmd, reviewRetryCmd, reviewSyncCmd)
	rootCmd.AddCommand(reviewCmd)
}
