package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock [deployment-id-prefix]",
	Short: "Refuse new instances on a deployment",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setLockout(cmd, args, true)
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock [deployment-id-prefix]",
	Short: "Accept new instances on a deployment again",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setLockout(cmd, args, false)
	},
}

func setLockout(cmd *cobra.Command, args []string, locked bool) error {
	d, err := resolveDeployment(args)
	if err != nil {
		return err
	}
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := client.SetLockout(cmd.Context(), d.ID.String(), locked); err != nil {
		return err
	}
	if locked {
		fmt.Printf("deployment %s locked out\n", d.ID)
	} else {
		fmt.Printf("deployment %s unlocked\n", d.ID)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(unlockCmd)
}
