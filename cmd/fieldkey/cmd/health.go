package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/fieldkey/health"
)

var (
	healthWarnDays int
	healthOwner    string
	healthJSON     bool
	healthStrict   bool
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report expiring keys, stuck rotations and encryption coverage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		warn := cfg.WarnWithin()
		if cmd.Flags().Changed("warn-days") {
			if healthWarnDays < 1 {
				return errors.New("--warn-days must be at least 1")
			}
			warn = time.Duration(healthWarnDays) * 24 * time.Hour
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.monitor.Report(ctx, health.Options{WarnWithin: warn, Owner: healthOwner})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if healthJSON {
			if err := printJSON(out, rep); err != nil {
				return err
			}
		} else {
			printReport(out, rep)
		}
		if healthStrict && !rep.Healthy() {
			return errors.New("key health needs attention")
		}
		return nil
	},
}

func printReport(w io.Writer, rep *health.Report) {
	fmt.Fprintln(w, bold.Sprint("Key health"))
	if rep.Development {
		fmt.Fprintf(w, "  %s master secret is the development fallback\n", red.Sprint(crossMark))
	}
	fmt.Fprintf(w, "  Active keys: %d\n", rep.ActiveKeys)

	days := int(rep.WarnWithin.Hours() / 24)
	if len(rep.Expiring) == 0 {
		fmt.Fprintf(w, "  %s no keys expire within %d days\n", green.Sprint(checkMark), days)
	}
	for _, k := range rep.Expiring {
		fmt.Fprintf(w, "  %s %s v%d expires %s (%d days)\n",
			yellow.Sprint(warningMark), ownerLabel(k.Owner), k.Version, formatTime(k.ExpiresAt), k.DaysLeft)
	}
	for _, k := range rep.NoExpiry {
		fmt.Fprintf(w, "  %s %s v%d has no expiry scheduled\n", gray.Sprint(bulletMark), ownerLabel(k.Owner), k.Version)
	}

	if rep.CoverageError != "" {
		fmt.Fprintf(w, "  %s coverage unavailable: %s\n", yellow.Sprint(warningMark), rep.CoverageError)
	}
	for _, c := range rep.Coverage {
		fmt.Fprintf(w, "  Coverage %s: %d/%d (%.1f%%)\n", c.Entity, c.Encrypted, c.Total, c.Percent())
	}

	if len(rep.Stuck) == 0 && len(rep.RecentFailures) == 0 {
		fmt.Fprintf(w, "  %s no open or failed rotations\n", green.Sprint(checkMark))
	}
	for _, r := range rep.Stuck {
		fmt.Fprintf(w, "  %s %s rotation %s %s since %s\n",
			yellow.Sprint(warningMark), ownerLabel(r.Owner), r.ID, r.Status, formatTime(&r.StartedAt))
	}
	for _, r := range rep.RecentFailures {
		fmt.Fprintf(w, "  %s %s rotation %s failed: %s\n", red.Sprint(crossMark), ownerLabel(r.Owner), r.ID, r.ErrorMessage)
	}

	if rep.Owner != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, bold.Sprintf("Owner %s (active v%d)", ownerLabel(rep.Owner.Owner), rep.Owner.ActiveVersion))
		for _, kv := range rep.Owner.Versions {
			state := gray.Sprint("inactive")
			if kv.Active {
				state = green.Sprint("active")
			}
			fmt.Fprintf(w, "  v%d %s %s created %s\n", kv.Version, kv.Fingerprint, state, formatTime(&kv.CreatedAt))
		}
		for i := range rep.Owner.RecentRotations {
			printRecord(w, &rep.Owner.RecentRotations[i])
		}
	}
}

func ownerLabel(owner string) string {
	if owner == "" {
		return "global"
	}
	return owner
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().IntVar(&healthWarnDays, "warn-days", 30, "warn about keys expiring within this many days")
	healthCmd.Flags().StringVar(&healthOwner, "owner", "", "add per-owner detail")
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "print JSON")
	healthCmd.Flags().BoolVar(&healthStrict, "strict", false, "exit non-zero when anything needs attention")
}
