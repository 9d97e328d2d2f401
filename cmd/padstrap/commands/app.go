package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/padstrap/padstrap/pkg/auth"
	"github.com/padstrap/padstrap/pkg/channel"
	"github.com/padstrap/padstrap/pkg/config"
	"github.com/padstrap/padstrap/pkg/engine"
	"github.com/padstrap/padstrap/pkg/installer"
	"github.com/padstrap/padstrap/pkg/provision"
	"github.com/padstrap/padstrap/pkg/stores"
	"github.com/padstrap/padstrap/pkg/telemetry"
)

// app holds the wired dependencies shared by the commands. Each command
// builds only the slice of the stack it needs on top of it.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	store   *stores.SQLiteStore
}

// newApp loads configuration, telemetry, and the local store.
func newApp(ctx context.Context) (*app, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Telemetry.Logging.Format = "json"
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to build tracer: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		tracer:  tracer,
		store:   store,
	}, nil
}

// Close releases the app's resources.
func (a *app) Close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close store")
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("Failed to shut down tracer")
	}
}

// startBroker launches the helper subprocess and wires the correlation
// broker over its stdio. The caller owns both returned handles.
func (a *app) startBroker(ctx context.Context) (*channel.Broker, *channel.HelperTransport, error) {
	transport := channel.NewHelperTransport(a.cfg.Helper.Path, a.cfg.Helper.Args, a.log)
	broker, err := channel.NewBroker(channel.Config{
		Dispatcher: transport,
		Logger:     a.log,
		Metrics:    a.metrics,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := transport.Start(ctx, a.cfg.Helper.StartupTimeout.Std(), broker.Deliver); err != nil {
		return nil, nil, err
	}
	return broker, transport, nil
}

// newRunner builds the step runner over the provisioning catalog and
// reconciles it from persisted markers.
func (a *app) newRunner(ctx context.Context, broker engine.Submitter) (*engine.Runner, error) {
	steps := provision.Catalog(a.cfg.Provision.ScriptDir)
	for i, step := range steps {
		if override, ok := a.cfg.Provision.Timeouts[step.ID]; ok {
			steps[i].Timeout = override.Std()
		}
	}
	runner, err := engine.NewRunner(engine.RunnerConfig{
		Broker:  broker,
		Markers: a.store,
		Steps:   steps,
		Logger:  a.log,
		Tracer:  a.tracer,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := runner.Reconcile(ctx); err != nil {
		return nil, err
	}
	return runner, nil
}

// newPipeline builds the install pipeline over the local session service.
func (a *app) newPipeline() (*installer.Pipeline, error) {
	svc, err := installer.NewLocalService(a.cfg.Install.Root)
	if err != nil {
		return nil, err
	}
	pipeline, err := installer.NewPipeline(installer.PipelineConfig{
		Service:       svc,
		Journal:       a.store,
		Logger:        a.log,
		Metrics:       a.metrics,
		StatusTimeout: a.cfg.Install.StatusTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	svc.SetSink(pipeline.DeliverStatus)
	return pipeline, nil
}

// oauthConfig builds the OAuth2 client configuration for token refresh.
func (a *app) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: a.cfg.Auth.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  a.cfg.Auth.AuthURL,
			TokenURL: a.cfg.Auth.TokenURL,
		},
		Scopes: a.cfg.Auth.Scopes,
	}
}

// newTokenManager builds the encrypted credential manager.
func (a *app) newTokenManager() (*auth.TokenManager, error) {
	return auth.NewTokenManager(a.store, a.cfg.Auth.IdentityPath, a.oauthConfig(), a.log)
}
