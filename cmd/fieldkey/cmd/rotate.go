package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/fieldkey/rotation"
	"github.com/jmcleod/fieldkey/secretsource"
)

var (
	rotateOwner  string
	rotateReason string
	rotateDryRun bool
	rotateVerify bool
	rotateAll    bool
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate an owner's key, or every owner's",
	Long: `Starts a rotation and activates the new key version.

With --dry-run the new version is reserved and the record left PENDING;
"fieldkey discard" removes it. Without --owner, --all rotates every owner
that has an active key and reports each result.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if rotateOwner == "" && !rotateAll {
			return errors.New("either --owner or --all is required")
		}
		reason, err := rotation.ParseReason(rotateReason)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		opts := completeOptions(rotateVerify)
		if !rotateAll {
			res := a.orch.RotateOwner(ctx, rotation.StartRequest{
				Owner:       rotateOwner,
				Reason:      reason,
				DryRun:      rotateDryRun,
				InitiatedBy: initiatedBy(),
			}, opts)
			printOutcome(out, res)
			return res.Err
		}

		outcomes, err := a.orch.RotateAll(ctx, reason, rotateDryRun, initiatedBy(), opts)
		failed := 0
		for _, res := range outcomes {
			printOutcome(out, res)
			if res.Err != nil {
				failed++
			}
		}
		fmt.Fprintf(out, "\n%d rotated, %d failed\n", len(outcomes)-failed, failed)
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d rotations failed", failed, len(outcomes))
		}
		return nil
	},
}

func printOutcome(w io.Writer, res rotation.Outcome) {
	if res.Err != nil {
		fmt.Fprintf(w, "%s %s: %v\n", red.Sprint(crossMark), bold.Sprint(res.Owner), res.Err)
		if res.Record != nil {
			fmt.Fprintf(w, "  record %s left %s\n", res.Record.ID, res.Record.Status)
		}
		return
	}
	printRecord(w, res.Record)
}

func printRecord(w io.Writer, rec *rotation.Record) {
	mark := green.Sprint(checkMark)
	switch rec.Status {
	case rotation.StatusFailed:
		mark = red.Sprint(crossMark)
	case rotation.StatusPending, rotation.StatusInProgress:
		mark = yellow.Sprint(bulletMark)
	}
	fmt.Fprintf(w, "%s %s v%d -> v%d %s (%s, %s)\n",
		mark, bold.Sprint(rec.Owner), rec.OldVersion, rec.NewVersion, rec.Status, rec.Reason, rec.ID)
	if rec.Verified > 0 {
		fmt.Fprintf(w, "  verified %d sampled values\n", rec.Verified)
	}
	if rec.ErrorMessage != "" {
		fmt.Fprintf(w, "  %s\n", gray.Sprint(rec.ErrorMessage))
	}
}

var completeVerify bool

var completeCmd = &cobra.Command{
	Use:   "complete <rotation-id>",
	Short: "Activate the new version of an in-progress rotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.orch.Complete(ctx, args[0], completeOptions(completeVerify))
		if err != nil {
			return err
		}
		printRecord(cmd.OutOrStdout(), rec)
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <rotation-id>",
	Short: "Reactivate the old version of a rotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.orch.Rollback(ctx, args[0])
		if err != nil {
			return err
		}
		printRecord(cmd.OutOrStdout(), rec)
		return nil
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <rotation-id>",
	Short: "Delete a dry-run rotation record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orch.Discard(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s discarded %s\n", green.Sprint(checkMark), args[0])
		return nil
	},
}

var rotateMasterCmd = &cobra.Command{
	Use:   "rotate-master",
	Short: "Rotate the master secret in its source",
	Long: `Asks the secret source for a new master secret. Every derived key
changes with it, so stored envelopes must be re-encrypted afterwards.
AWS KMS rotates asynchronously; the command then reports the rotation as
scheduled. The env source cannot store the new secret, so the command
prints it for the operator to publish before restarting.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		publish, err := a.orch.RotateMaster(ctx, initiatedBy())
		switch {
		case errors.Is(err, secretsource.ErrRotationScheduled):
			fmt.Fprintf(out, "%s %v\n", yellow.Sprint(warningMark), err)
			return nil
		case errors.Is(err, secretsource.ErrRotationNotPersisted):
			fmt.Fprintf(out, "%s %v\n", yellow.Sprint(warningMark), err)
			fmt.Fprintf(out, "  set %s=%s and restart to switch to the new secret\n", cfg.MasterKeyEnv, publish)
			return nil
		case err != nil:
			return err
		}
		fmt.Fprintf(out, "%s master secret rotated in %s\n", green.Sprint(checkMark), a.keys.Source().Kind())
		fmt.Fprintf(out, "%s re-encrypt stored fields before the old secret is discarded\n", yellow.Sprint(warningMark))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rotateCmd)
	rotateCmd.Flags().StringVar(&rotateOwner, "owner", "", "owner to rotate")
	rotateCmd.Flags().BoolVar(&rotateAll, "all", false, "rotate every owner with an active key")
	rotateCmd.Flags().StringVar(&rotateReason, "reason", string(rotation.ReasonScheduled), "SCHEDULED, EMERGENCY, COMPROMISE or POLICY")
	rotateCmd.Flags().BoolVar(&rotateDryRun, "dry-run", false, "reserve the version without activating it")
	rotateCmd.Flags().BoolVar(&rotateVerify, "verify-sample", true, "decrypt sampled envelopes before committing")
	rotateCmd.MarkFlagsMutuallyExclusive("owner", "all")

	rootCmd.AddCommand(completeCmd)
	completeCmd.Flags().BoolVar(&completeVerify, "verify-sample", true, "decrypt sampled envelopes before committing")

	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(discardCmd)
	rootCmd.AddCommand(rotateMasterCmd)
}
