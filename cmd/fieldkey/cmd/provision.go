package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/fieldkey/keyring"
	"github.com/jmcleod/fieldkey/registry"
)

var createMaster bool

var provisionMasterCmd = &cobra.Command{
	Use:   "provision-master",
	Short: "Check the master secret and register the global key",
	Long: `Fetches the master secret from the configured source and registers
version 1 of the global (owner-less) key.

With --create a missing secret is generated in the source. Creation is
refused unless ALLOW_AUTO_CREATE_MASTER is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if createMaster && !cfg.AllowAutoCreateMaster {
			return errors.New("--create requires ALLOW_AUTO_CREATE_MASTER=true")
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.keys.EnsureMaster(ctx, createMaster); err != nil {
			if errors.Is(err, keyring.ErrMasterMissing) && !createMaster {
				return fmt.Errorf("%w (rerun with --create and ALLOW_AUTO_CREATE_MASTER=true to generate one)", err)
			}
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s master secret available from %s\n", green.Sprint(checkMark), a.keys.Source().Kind())
		if a.keys.Development() {
			fmt.Fprintf(out, "%s development secret in use; do not store real data\n", yellow.Sprint(warningMark))
		}

		kv, created, err := a.orch.Provision(ctx, "", initiatedBy())
		if err != nil {
			return err
		}
		printProvisioned(cmd, kv, created)
		return nil
	},
}

var provisionOwner string

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Give an owner its first active key version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if provisionOwner == "" {
			return errors.New("--owner is required")
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		kv, created, err := a.orch.Provision(ctx, provisionOwner, initiatedBy())
		if err != nil {
			return err
		}
		printProvisioned(cmd, kv, created)
		return nil
	},
}

func printProvisioned(cmd *cobra.Command, kv *registry.KeyVersion, created bool) {
	owner := kv.Owner
	if kv.Master {
		owner = "global"
	}
	out := cmd.OutOrStdout()
	if created {
		fmt.Fprintf(out, "%s provisioned %s v%d (%s)\n", green.Sprint(checkMark), bold.Sprint(owner), kv.Version, kv.Fingerprint)
		return
	}
	fmt.Fprintf(out, "%s %s already has active v%d (%s)\n", gray.Sprint(bulletMark), bold.Sprint(owner), kv.Version, kv.Fingerprint)
}

func init() {
	rootCmd.AddCommand(provisionMasterCmd)
	provisionMasterCmd.Flags().BoolVar(&createMaster, "create", false, "generate the master secret if the source has none")

	rootCmd.AddCommand(provisionCmd)
	provisionCmd.Flags().StringVar(&provisionOwner, "owner", "", "owner (tenant or profile) identifier")
}
