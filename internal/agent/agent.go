package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hardshare/hardshare/internal/admin"
	"github.com/hardshare/hardshare/internal/api"
	"github.com/hardshare/hardshare/internal/auth"
	"github.com/hardshare/hardshare/internal/camera"
	"github.com/hardshare/hardshare/internal/config"
	"github.com/hardshare/hardshare/internal/control"
	"github.com/hardshare/hardshare/internal/monitor"
	"github.com/hardshare/hardshare/internal/provider"
	"github.com/hardshare/hardshare/pkg/metrics"
)

// Agent advertises one deployment to the broker and serves its
// lifecycle until stopped.
type Agent struct {
	cfg        *Config
	deployment *config.Deployment
	token      *auth.Token
	provider   provider.Provider
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// instanceStatus is the GET /status payload.
type instanceStatus struct {
	Deployment string `json:"deployment"`
	Owner      string `json:"owner,omitempty"`
	Provider   string `json:"cprovider"`
	Instance   string `json:"instance,omitempty"`
	Status     string `json:"status,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
}

// New resolves the deployment, credentials, and provider for an agent
// session.
func New(cfg *Config, logger zerolog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := config.NewStore(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	if !store.Exists() {
		return nil, fmt.Errorf("agent: no configuration at %s; run `hardshare config --create` first", store.Base())
	}

	fileCfg, err := store.Load()
	if err != nil {
		return nil, err
	}
	deployment, err := fileCfg.FindDeployment(cfg.DeploymentID)
	if err != nil {
		return nil, err
	}

	key, err := auth.LoadPublicKeyFile(store.PinnedKeyPath())
	if err != nil {
		return nil, err
	}
	tokens, err := auth.ScanDir(store.TokensDir(), key, logger)
	if err != nil {
		return nil, err
	}
	token, err := auth.Best(tokens)
	if err != nil {
		return nil, err
	}

	if err := store.EnsureSSHKey(); err != nil {
		return nil, err
	}

	prov, err := provider.New(deployment, logger)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("deployment", deployment.ID.String()).
		Str("cprovider", deployment.CProvider).
		Time("token_expiry", token.Claims.ExpiresAt).
		Msg("agent session prepared")

	return &Agent{
		cfg:        cfg,
		deployment: deployment,
		token:      token,
		provider:   prov,
		logger:     logger,
		metrics:    metrics.New(),
	}, nil
}

// Deployment returns the deployment this agent advertises.
func (a *Agent) Deployment() *config.Deployment { return a.deployment }

// Run advertises the deployment until ctx is done or a local stop is
// requested. It joins every component before returning.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan control.Message, 64)
	worker := control.NewWorker(a.provider, out, a.logger, a.metrics)
	channel := control.NewChannel(a.cfg.Origin, a.deployment.ID.String(), a.token.Raw,
		worker.Submit, out, a.logger, a.metrics)

	adminSrv, err := admin.New(a.cfg.AdminAddr, a.status(worker), cancel, a.logger, a.metrics)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		channel.Run(ctx)
	}()

	adminErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		adminErr <- adminSrv.Run(ctx)
	}()

	if a.deployment.Monitor != "" {
		locker := api.NewClient(a.cfg.Origin, a.token.Raw)
		mon := monitor.New(a.deployment.ID.String(), a.deployment.Monitor,
			a.cfg.MonitorInterval, locker, a.logger, a.metrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			mon.Run(ctx)
		}()
	}

	if a.cfg.CameraDevice != "" {
		source, err := camera.NewDeviceSource(a.cfg.CameraDevice, a.logger)
		if err != nil {
			a.logger.Warn().Err(err).Str("device", a.cfg.CameraDevice).
				Msg("camera disabled")
		} else {
			uploader := camera.NewUploader(a.cfg.Origin, a.cfg.CameraID, a.token.Raw,
				source, a.logger, a.metrics)
			wg.Add(1)
			go func() {
				defer wg.Done()
				uploader.Run(ctx)
			}()
		}
	}

	a.logger.Info().Str("deployment", a.deployment.ID.String()).Msg("advertising deployment")

	<-ctx.Done()
	a.logger.Info().Msg("shutting down")
	wg.Wait()

	select {
	case err := <-adminErr:
		return err
	default:
		return nil
	}
}

// status builds the GET /status payload from the worker's slot.
func (a *Agent) status(worker *control.Worker) func() interface{} {
	return func() interface{} {
		s := instanceStatus{
			Deployment: a.deployment.ID.String(),
			Owner:      a.deployment.Owner,
			Provider:   a.deployment.CProvider,
		}
		if inst := worker.Instance(); inst != nil {
			s.Instance = inst.ID
			s.Status = string(inst.Status)
			s.StartedAt = inst.StartedAt.Format(time.RFC3339)
		}
		return s
	}
}
