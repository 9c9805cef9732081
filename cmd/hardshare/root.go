package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hardshare/hardshare/internal/agent"
	"github.com/hardshare/hardshare/internal/api"
	"github.com/hardshare/hardshare/internal/auth"
	"github.com/hardshare/hardshare/internal/config"
	"github.com/hardshare/hardshare/pkg/log"
)

// Build information (set from main.go)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Global flags
var (
	baseDir   string
	origin    string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hardshare",
	Short: "Share locally attached hardware through the hardshare broker",
	Long: `hardshare is the device-side agent and operator CLI for renting out
locally attached hardware to remote tenants through a cloud broker.

It provides commands for:
  - Advertising: run the agent that serves instances of a deployment
  - Configuration: create and inspect the local deployment config
  - Access rules: list and edit who may instantiate a deployment
  - Lock-out: temporarily refuse new instances

Environment variables:
  HARDSHARE_ORIGIN     Broker base URL (default: https://api.hardshare.dev)
  HARDSHARE_BASE_DIR   Config directory (default: ~/.hardshare)
  HARDSHARE_LOG_LEVEL  Log level: debug, info, warn, error (default: info)
  HARDSHARE_LOG_FORMAT Log format: json, console (default: json)`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	defaults := agent.Load()
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", defaults.BaseDir,
		"configuration directory (default ~/.hardshare)")
	rootCmd.PersistentFlags().StringVar(&origin, "origin", defaults.Origin,
		"broker base URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", defaults.LogLevel,
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", defaults.LogFormat,
		"log format (json, console)")
}

// newLogger builds the process logger from the global flags.
func newLogger() zerolog.Logger {
	return log.New(logLevel, logFormat)
}

// openStore opens the config store selected by --base-dir.
func openStore() (*config.Store, error) {
	return config.NewStore(baseDir)
}

// loadBestToken scans the token directory and picks the freshest valid
// credential.
func loadBestToken(store *config.Store) (*auth.Token, error) {
	key, err := auth.LoadPublicKeyFile(store.PinnedKeyPath())
	if err != nil {
		return nil, err
	}
	tokens, err := auth.ScanDir(store.TokensDir(), key, newLogger())
	if err != nil {
		return nil, err
	}
	return auth.Best(tokens)
}

// newAPIClient builds a broker REST client with the best local token.
func newAPIClient() (*api.Client, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	token, err := loadBestToken(store)
	if err != nil {
		return nil, err
	}
	return api.NewClient(origin, token.Raw), nil
}

// resolveDeployment looks up a deployment by id prefix argument.
func resolveDeployment(args []string) (*config.Deployment, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	cfg, err := store.Load()
	if err != nil {
		return nil, err
	}
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	return cfg.FindDeployment(prefix)
}
