package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/cardflow/internal/identity"
)

var captureGrade int

var captureCmd = &cobra.Command{
	Use:   "capture <front.jpg> <back.jpg>",
	Short: "Assign an identity to a photographed card and register it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, needLock)
		if err != nil {
			return err
		}
		defer env.Close()

		loc, err := cfg.Location()
		if err != nil {
			return err
		}
		grade := captureGrade
		if grade == 0 {
			grade = cfg.Capture.DefaultGrade
		}

		c := identity.NewCapturer(identity.NewAssigner(env.Ledger, loc), env.Ledger, cfg.Capture.ImageDir)
		asset, err := c.Capture(ctx, args[0], args[1], grade, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), asset.Identity)
		return nil
	},
}

func init() {
	captureCmd.Flags().IntVar(&captureGrade, "grade", 0, "estimated grade 1-10 (default from config)")
	rootCmd.AddCommand(captureCmd)
}
