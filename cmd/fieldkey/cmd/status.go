package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	statusOwner string
	statusJSON  bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show an owner's active key and open rotation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if statusOwner == "" {
			return errors.New("--owner is required")
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.orch.Status(ctx, statusOwner)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if statusJSON {
			return printJSON(out, st)
		}

		fmt.Fprintln(out, bold.Sprintf("Owner %s", st.Owner))
		if st.ActiveVersion == 0 {
			fmt.Fprintf(out, "  %s no active key version (%d registered)\n", red.Sprint(crossMark), st.Versions)
		} else {
			fmt.Fprintf(out, "  Active version: v%d (%s)\n", st.ActiveVersion, st.Fingerprint)
			fmt.Fprintf(out, "  Created:        %s (%s ago)\n", formatTime(st.CreatedAt), formatAge(st.Age))
			expires := formatTime(st.ExpiresAt)
			if st.ExpiresAt != nil && time.Until(*st.ExpiresAt) < cfg.WarnWithin() {
				expires = yellow.Sprint(expires)
			}
			fmt.Fprintf(out, "  Expires:        %s\n", expires)
			fmt.Fprintf(out, "  Versions:       %d\n", st.Versions)
		}
		if st.InProgress != nil {
			fmt.Fprintf(out, "  %s rotation %s to v%d in progress since %s\n",
				yellow.Sprint(warningMark), st.InProgress.ID, st.InProgress.NewVersion, formatTime(&st.InProgress.StartedAt))
		}
		return nil
	},
}

var (
	rotationsOwner string
	rotationsJSON  bool
)

var rotationsCmd = &cobra.Command{
	Use:   "rotations",
	Short: "List rotation records, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		recs, err := a.orch.AllRecords(ctx)
		if rotationsOwner != "" {
			recs, err = a.orch.Records(ctx, rotationsOwner)
		}
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if rotationsJSON {
			return printJSON(out, recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(out, "no rotations recorded")
			return nil
		}
		for i := range recs {
			printRecord(out, &recs[i])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusOwner, "owner", "", "owner identifier")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")

	rootCmd.AddCommand(rotationsCmd)
	rotationsCmd.Flags().StringVar(&rotationsOwner, "owner", "", "only this owner's rotations")
	rotationsCmd.Flags().BoolVar(&rotationsJSON, "json", false, "print JSON")
}
