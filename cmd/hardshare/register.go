package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hardshare/hardshare/internal/config"
)

var (
	registerProvider   string
	registerImage      string
	registerName       string
	registerPermitMore bool
)

// registerCmd registers a new deployment at the broker and records it
// locally.
var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new deployment with the broker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		cfg, err := store.Load()
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		id, err := client.Register(cmd.Context(), registerPermitMore)
		if err != nil {
			return err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("broker returned malformed deployment id %q: %w", id, err)
		}

		name := registerName
		if name == "" {
			name = "ws" + fmt.Sprint(len(cfg.Deployments))
		}
		d := config.Deployment{
			ID:            parsed,
			CProvider:     registerProvider,
			Image:         registerImage,
			ContainerName: name,
		}
		if err := d.Validate(); err != nil {
			return err
		}
		cfg.Deployments = append(cfg.Deployments, d)
		if err := store.Save(cfg); err != nil {
			return err
		}

		fmt.Printf("registered deployment %s\n", id)
		return nil
	},
}

var declareOrgName string

// declareOrgCmd sets the owning organization for broker operations.
var declareOrgCmd = &cobra.Command{
	Use:   "declare-org",
	Short: "Declare the owning organization at the broker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if declareOrgName == "" {
			return fmt.Errorf("--org is required")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.DeclareOrg(cmd.Context(), declareOrgName); err != nil {
			return err
		}
		fmt.Printf("organization %s declared\n", declareOrgName)
		return nil
	},
}

var listWithDissolved bool

// listCmd shows the caller's deployments as the broker sees them.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments known to the broker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		deployments, err := client.ListDeployments(cmd.Context(), listWithDissolved)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOWNER\tDISSOLVED")
		for _, d := range deployments {
			dissolved := d.Dissolved
			if dissolved == "" {
				dissolved = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Owner, dissolved)
		}
		return w.Flush()
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerProvider, "cprovider", "docker",
		"container provider (docker, docker-rootless, podman, lxd, proxy)")
	registerCmd.Flags().StringVar(&registerImage, "image", "hardshare/generic:latest",
		"container image for instances")
	registerCmd.Flags().StringVar(&registerName, "container-name", "",
		"fixed container name (default wsN)")
	registerCmd.Flags().BoolVar(&registerPermitMore, "permit-more", true,
		"allow registering further deployments later")
	declareOrgCmd.Flags().StringVar(&declareOrgName, "org", "", "organization name")
	listCmd.Flags().BoolVar(&listWithDissolved, "include-dissolved", false,
		"include dissolved deployments")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(declareOrgCmd)
	rootCmd.AddCommand(listCmd)
}
