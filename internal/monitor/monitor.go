// Package monitor runs a deployment's health probe command on a fixed
// interval and locks the deployment out at the broker when it fails.
package monitor

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/hardshare/hardshare/pkg/metrics"
)

// DefaultInterval between probe runs.
const DefaultInterval = 60 * time.Second

// Locker is the broker call used when a probe fails.
type Locker interface {
	SetLockout(ctx context.Context, deploymentID string, locked bool) error
}

// Monitor runs `sh -c prog` every interval. In live mode a failing
// probe triggers a broker lock-out; dry mode only logs, which is what
// the config check flow wants.
type Monitor struct {
	deploymentID string
	prog         string
	interval     time.Duration
	dry          bool
	locker       Locker
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

// New creates a live monitor.
func New(deploymentID, prog string, interval time.Duration, locker Locker, logger zerolog.Logger, m *metrics.Metrics) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		deploymentID: deploymentID,
		prog:         prog,
		interval:     interval,
		locker:       locker,
		logger:       logger.With().Str("component", "monitor").Logger(),
		metrics:      m,
	}
}

// NewDry creates a monitor that never locks out.
func NewDry(deploymentID, prog string, interval time.Duration, logger zerolog.Logger, m *metrics.Metrics) *Monitor {
	mon := New(deploymentID, prog, interval, nil, logger, m)
	mon.dry = true
	return mon
}

// Run loops until ctx is done. Cancellation is observed between
// iterations only; a probe that is already running is left to finish.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().Str("prog", m.prog).Dur("interval", m.interval).
		Bool("dry", m.dry).Msg("health monitor started")

	for {
		m.RunOnce(ctx)
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single probe and reports whether it passed.
func (m *Monitor) RunOnce(ctx context.Context) bool {
	cmd := exec.Command("/bin/sh", "-c", m.prog)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if err == nil {
		m.logger.Debug().Msg("probe passed")
		return true
	}

	m.metrics.MonitorFailures.Inc()
	m.logger.Warn().Err(err).Str("output", output.String()).Msg("probe failed")

	if m.dry {
		return false
	}

	lockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := m.locker.SetLockout(lockCtx, m.deploymentID, true); err != nil {
		m.logger.Error().Err(err).Msg("lock-out request failed")
	} else {
		m.logger.Warn().Str("deployment", m.deploymentID).Msg("deployment locked out")
	}
	return false
}
