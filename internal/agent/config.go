// Package agent wires the hardshare device agent together: config
// store, credentials, control channel, instance worker, health
// monitor, camera uploader, and the local admin endpoint.
package agent

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the runtime settings of the agent. Deployment records
// live in the on-disk config store; these knobs come from the
// environment and CLI flags.
type Config struct {
	// Origin is the broker base URL (default: https://api.hardshare.dev).
	Origin string

	// BaseDir is the configuration store directory.
	// Default: ~/.hardshare.
	BaseDir string

	// DeploymentID selects a deployment by id prefix. May be empty when
	// exactly one deployment is configured.
	DeploymentID string

	// AdminAddr is the local admin bind (default: 127.0.0.1:6666).
	AdminAddr string

	// MonitorInterval overrides the health probe interval (default: 60s).
	MonitorInterval time.Duration

	// CameraDevice enables the camera uploader when set (e.g. /dev/video0).
	CameraDevice string

	// CameraID names the broker-side camera endpoint.
	CameraID string

	// LogLevel is the log level (debug, info, warn, error) (default: info).
	LogLevel string

	// LogFormat is the log format (json, console) (default: json).
	LogFormat string
}

// Load builds the configuration from HARDSHARE_* environment variables.
func Load() *Config {
	return &Config{
		Origin:          getEnv("HARDSHARE_ORIGIN", "https://api.hardshare.dev"),
		BaseDir:         getEnv("HARDSHARE_BASE_DIR", ""),
		DeploymentID:    getEnv("HARDSHARE_DEPLOYMENT_ID", ""),
		AdminAddr:       getEnv("HARDSHARE_ADMIN_ADDR", "127.0.0.1:6666"),
		MonitorInterval: getEnvDuration("HARDSHARE_MONITOR_INTERVAL", 60*time.Second),
		CameraDevice:    getEnv("HARDSHARE_CAMERA_DEVICE", ""),
		CameraID:        getEnv("HARDSHARE_CAMERA_ID", ""),
		LogLevel:        getEnv("HARDSHARE_LOG_LEVEL", "info"),
		LogFormat:       getEnv("HARDSHARE_LOG_FORMAT", "json"),
	}
}

// Validate checks the configuration, collecting all problems.
func (c *Config) Validate() error {
	var errs []string

	if c.Origin == "" {
		errs = append(errs, "origin is required")
	}
	if c.MonitorInterval <= 0 {
		errs = append(errs, "monitor interval must be positive")
	}
	if c.CameraDevice != "" && c.CameraID == "" {
		errs = append(errs, "camera id is required when a camera device is set")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log level %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("invalid log format %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return errors.New("invalid agent configuration: " + strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
