package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hardshare/hardshare/internal/agent"
)

var (
	adDeploymentID    string
	adAdminAddr       string
	adMonitorInterval time.Duration
	adCameraDevice    string
	adCameraID        string
)

// adCmd runs the agent: advertise a deployment until stopped.
var adCmd = &cobra.Command{
	Use:   "ad [deployment-id-prefix]",
	Short: "Advertise a deployment and serve instances until stopped",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := agent.Load()
		cfg.Origin = origin
		cfg.BaseDir = baseDir
		cfg.LogLevel = logLevel
		cfg.LogFormat = logFormat
		if len(args) > 0 {
			cfg.DeploymentID = args[0]
		} else if adDeploymentID != "" {
			cfg.DeploymentID = adDeploymentID
		}
		if adAdminAddr != "" {
			cfg.AdminAddr = adAdminAddr
		}
		if adMonitorInterval > 0 {
			cfg.MonitorInterval = adMonitorInterval
		}
		if adCameraDevice != "" {
			cfg.CameraDevice = adCameraDevice
		}
		if adCameraID != "" {
			cfg.CameraID = adCameraID
		}

		logger := newLogger()
		a, err := agent.New(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	},
}

// stopAdCmd asks a running agent on this machine to shut down.
var stopAdCmd = &cobra.Command{
	Use:   "stop-ad",
	Short: "Stop the locally running agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := adAdminAddr
		if addr == "" {
			addr = agent.Load().AdminAddr
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			"http://"+addr+"/stop", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("no agent reachable at %s: %w", addr, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("stop request refused (%d): %s", resp.StatusCode,
				strings.TrimSpace(string(body)))
		}
		fmt.Println("agent stopping")
		return nil
	},
}

// statusCmd prints the local agent's status.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of the locally running agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := adAdminAddr
		if addr == "" {
			addr = agent.Load().AdminAddr
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			"http://"+addr+"/status", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("no agent reachable at %s: %w", addr, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	},
}

func init() {
	adCmd.Flags().StringVar(&adDeploymentID, "deployment", "", "deployment id prefix")
	adCmd.Flags().StringVar(&adAdminAddr, "admin-addr", "", "local admin bind address")
	adCmd.Flags().DurationVar(&adMonitorInterval, "monitor-interval", 0, "health probe interval")
	adCmd.Flags().StringVar(&adCameraDevice, "camera-device", "", "camera device path (enables upload)")
	adCmd.Flags().StringVar(&adCameraID, "camera-id", "", "broker-side camera id")
	stopAdCmd.Flags().StringVar(&adAdminAddr, "admin-addr", "", "local admin address of the agent")
	statusCmd.Flags().StringVar(&adAdminAddr, "admin-addr", "", "local admin address of the agent")

	rootCmd.AddCommand(adCmd)
	rootCmd.AddCommand(stopAdCmd)
	rootCmd.AddCommand(statusCmd)
}
