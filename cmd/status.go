package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show asset counts by state and the outbound batches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), 0)
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Pipeline.Status(cmd.Context())
		if err != nil {
			return err
		}
		return printSummary(cmd.OutOrStdout(), sum)
	},
}

func printSummary(w io.Writer, sum *pipeline.Summary) error {
	if jsonOutput {
		return writeJSON(w, sum)
	}
	rows := make([][]string, 0, len(model.AllStates))
	for _, st := range model.AllStates {
		rows = append(rows, []string{string(st), strconv.Itoa(sum.States[st])})
	}
	fmt.Fprintln(w, renderTable([]string{"State", "Assets"}, rows, []columnAlignment{alignLeft, alignRight}))

	rows = rows[:0]
	for _, b := range sum.Batches {
		rows = append(rows, []string{string(b.Kind), strconv.Itoa(b.Pending), b.PendingAmount.StringFixed(2), strconv.Itoa(b.Flushed)})
	}
	fmt.Fprintln(w, renderTable([]string{"Batch", "Pending", "Pending Amount", "Flushed"}, rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight}))
	return nil
}

var showCmd = &cobra.Command{
	Use:   "show <identity>",
	Short: "Show one asset with its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), 0)
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.Ledger.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printAsset(cmd.OutOrStdout(), a)
	},
}

func printAsset(w io.Writer, a *model.CardAsset) error {
	if jsonOutput {
		return writeJSON(w, a)
	}
	fmt.Fprintf(w, "%s  %s  grade %d\n", a.Identity, a.State, a.EstimatedGrade)
	if a.Recognized != nil {
		fmt.Fprintf(w, "card: %s (confidence %.2f)\n", a.Recognized.Title(), a.Confidence)
	}
	if v := a.Valuation; v != nil {
		be := "none"
		if v.BreakEvenGrade != nil {
			be = strconv.Itoa(*v.BreakEvenGrade)
		}
		fmt.Fprintf(w, "value: %s, ungraded net %s, break-even grade %s, expected net %s\n",
			v.Disposition, v.UngradedNet.StringFixed(2), be, v.ExpectedNet().StringFixed(2))
	}
	if a.Review != nil {
		fmt.Fprintf(w, "review: %s %s: %s\n", a.Review.Stage, a.Review.Kind, a.Review.Reason)
	}
	if a.ExternalRef != "" {
		fmt.Fprintf(w, "external ref: %s\n", a.ExternalRef)
	}

	rows := make([][]string, 0, len(a.History))
	for _, h := range a.History {
		rows = append(rows, []string{h.At.Format("2006-01-02 15:04:05"), string(h.From), string(h.To), h.Reason})
	}
	fmt.Fprintln(w, renderTable([]string{"At", "From", "To", "Reason"}, rows, nil))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(showCmd)
}
