package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules [deployment-id-prefix]",
	Short: "Manage access rules of a deployment",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRules(cmd, args)
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list [deployment-id-prefix]",
	Short: "List access rules",
	Args:  cobra.MaximumNArgs(1),
	RunE:  listRules,
}

func listRules(cmd *cobra.Command, args []string) error {
	d, err := resolveDeployment(args)
	if err != nil {
		return err
	}
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	rules, err := client.GetRules(cmd.Context(), d.ID.String())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAPABILITY\tUSER\tCREATED")
	for _, r := range rules {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ID, r.Capability, r.User,
			r.DateCreated.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

var ruleCapability string

var rulesPermitCmd = &cobra.Command{
	Use:   "permit [deployment-id-prefix]",
	Short: "Add an access rule",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := resolveDeployment(args)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.AddRule(cmd.Context(), d.ID.String(), ruleCapability); err != nil {
			return err
		}
		fmt.Printf("rule added on %s\n", d.ID)
		return nil
	},
}

var dropRuleID int

var rulesDropCmd = &cobra.Command{
	Use:   "drop [deployment-id-prefix]",
	Short: "Delete an access rule by id",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if dropRuleID <= 0 {
			return fmt.Errorf("--rule-id is required")
		}
		d, err := resolveDeployment(args)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.DropRule(cmd.Context(), d.ID.String(), dropRuleID); err != nil {
			return err
		}
		fmt.Printf("rule %d dropped from %s\n", dropRuleID, d.ID)
		return nil
	},
}

func init() {
	rulesPermitCmd.Flags().StringVar(&ruleCapability, "capability", "CAP_INSTANTIATE",
		"capability granted by the rule")
	rulesDropCmd.Flags().IntVar(&dropRuleID, "rule-id", 0, "rule id to delete")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesPermitCmd)
	rulesCmd.AddCommand(rulesDropCmd)
	rootCmd.AddCommand(rulesCmd)
}
