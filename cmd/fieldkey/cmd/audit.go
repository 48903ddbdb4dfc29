package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	auditOwner string
	auditLimit int
	auditJSON  bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the stored key lifecycle audit trail",
	Long:  `Lists stored audit events newest first. Events never contain key material.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.trail.List(ctx, auditOwner, auditLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if auditJSON {
			return printJSON(out, events)
		}
		for _, evt := range events {
			mark := green.Sprint(checkMark)
			if evt.Error != "" {
				mark = red.Sprint(crossMark)
			}
			fmt.Fprintf(out, "%s %s %-22s %s", mark, gray.Sprint(evt.At.Format("2006-01-02 15:04:05")), evt.Action, ownerLabel(evt.Owner))
			if evt.NewVersion > 0 {
				fmt.Fprintf(out, " v%d", evt.NewVersion)
			}
			if evt.InitiatedBy != "" {
				fmt.Fprintf(out, " by %s", evt.InitiatedBy)
			}
			if evt.Error != "" {
				fmt.Fprintf(out, ": %s", evt.Error)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringVar(&auditOwner, "owner", "", "only this owner's events")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum events to show (0 for all)")
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "print JSON")
}
