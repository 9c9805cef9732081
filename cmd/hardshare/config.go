package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hardshare/hardshare/internal/config"
	"github.com/hardshare/hardshare/internal/monitor"
	"github.com/hardshare/hardshare/internal/provider"
	"github.com/hardshare/hardshare/pkg/metrics"
)

var (
	cfgCreate    bool
	cfgList      bool
	cfgCheck     bool
	cfgAddToken  string
	cfgAddDevice string
	cfgPrefix    string

	addOnName   string
	addOnRemove string
	addOnOpts   []string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create, inspect, and validate the local configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}

		switch {
		case cfgCreate:
			if err := store.Init(); err != nil {
				return err
			}
			if err := store.EnsureSSHKey(); err != nil {
				return err
			}
			fmt.Printf("initialized configuration at %s\n", store.Base())
			return nil

		case cfgAddToken != "":
			dst, err := store.AddToken(cfgAddToken)
			if err != nil {
				return err
			}
			fmt.Printf("token stored as %s\n", dst)
			return nil

		case cfgAddDevice != "":
			cfg, err := store.Load()
			if err != nil {
				return err
			}
			d, err := cfg.FindDeployment(cfgPrefix)
			if err != nil {
				return err
			}
			d.AddDevice(cfgAddDevice)
			if err := store.Save(cfg); err != nil {
				return err
			}
			fmt.Printf("device %s added to deployment %s\n", cfgAddDevice, d.ID)
			return nil

		case cfgCheck:
			return checkConfig(cmd.Context(), store)

		default:
			cfg, err := store.Load()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
	},
}

// checkConfig runs the offline validation flow: schema validation on
// load, a proxy smoke test where applicable, and one dry run of each
// monitor probe. Nothing is locked out.
func checkConfig(ctx context.Context, store *config.Store) error {
	cfg, err := store.Load()
	if err != nil {
		return err
	}

	logger := newLogger()
	failed := false
	for i := range cfg.Deployments {
		d := &cfg.Deployments[i]
		fmt.Printf("deployment %s (%s):\n", d.ID, d.CProvider)

		prov, err := provider.New(d, logger)
		if err != nil {
			fmt.Printf("  provider: %v\n", err)
			failed = true
			continue
		}

		if smoker, ok := prov.(interface{ SmokeTest(context.Context) error }); ok {
			if err := smoker.SmokeTest(ctx); err != nil {
				fmt.Printf("  proxy smoke test: %v\n", err)
				failed = true
			} else {
				fmt.Println("  proxy smoke test: ok")
			}
		}

		if d.Monitor != "" {
			dry := monitor.NewDry(d.ID.String(), d.Monitor, time.Minute, logger, metrics.New())
			if dry.RunOnce(ctx) {
				fmt.Println("  monitor probe: ok")
			} else {
				fmt.Println("  monitor probe: FAILED")
				failed = true
			}
		}
	}

	if failed {
		return errors.New("configuration check failed")
	}
	fmt.Println("configuration ok")
	return nil
}

var configAddOnCmd = &cobra.Command{
	Use:   "config-addon",
	Short: "Attach or detach an add-on on a deployment",
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
		d, err := cfg.FindDeployment(cfgPrefix)
		if err != nil {
			return err
		}

		switch {
		case addOnName != "":
			opts := map[string]string{}
			for _, kv := range addOnOpts {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("malformed option %q, want key=value", kv)
				}
				opts[parts[0]] = parts[1]
			}
			d.AddOns = append(d.AddOns, config.AddOn{Name: addOnName, Options: opts})
			if err := store.Save(cfg); err != nil {
				return err
			}
			fmt.Printf("add-on %s attached to %s\n", addOnName, d.ID)
			return nil

		case addOnRemove != "":
			kept := d.AddOns[:0]
			removed := false
			for _, a := range d.AddOns {
				if a.Name == addOnRemove {
					removed = true
					continue
				}
				kept = append(kept, a)
			}
			if !removed {
				return fmt.Errorf("deployment %s has no add-on %q", d.ID, addOnRemove)
			}
			d.AddOns = kept
			if err := store.Save(cfg); err != nil {
				return err
			}
			fmt.Printf("add-on %s detached from %s\n", addOnRemove, d.ID)
			return nil

		default:
			out, err := json.MarshalIndent(d.AddOns, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
	},
}

func init() {
	configCmd.Flags().BoolVar(&cfgCreate, "create", false, "initialize the configuration directory")
	configCmd.Flags().BoolVar(&cfgList, "list", false, "print the configuration")
	configCmd.Flags().BoolVar(&cfgCheck, "check", false, "validate the configuration")
	configCmd.Flags().StringVar(&cfgAddToken, "add-token", "", "move a token file into the store")
	configCmd.Flags().StringVar(&cfgAddDevice, "add-raw-device", "", "add a device passthrough to a deployment")
	configCmd.Flags().StringVar(&cfgPrefix, "deployment", "", "deployment id prefix")

	configAddOnCmd.Flags().StringVar(&cfgPrefix, "deployment", "", "deployment id prefix")
	configAddOnCmd.Flags().StringVar(&addOnName, "add", "", "add-on name to attach")
	configAddOnCmd.Flags().StringVar(&addOnRemove, "rm", "", "add-on name to detach")
	configAddOnCmd.Flags().StringArrayVar(&addOnOpts, "opt", nil, "add-on option key=value")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(configAddOnCmd)
}
