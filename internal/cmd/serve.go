package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/skyrun/internal/config"
	"github.com/3leaps/skyrun/internal/observability"
	"github.com/3leaps/skyrun/internal/server"
	"github.com/3leaps/skyrun/internal/server/handlers"
	"github.com/3leaps/skyrun/pkg/backend"
	awsbackend "github.com/3leaps/skyrun/pkg/backend/aws"
	gcpbackend "github.com/3leaps/skyrun/pkg/backend/gcp"
	"github.com/3leaps/skyrun/pkg/runstore"
	"github.com/3leaps/skyrun/pkg/scheduler"
	"github.com/3leaps/skyrun/pkg/sshtunnel"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the skyrun server and scheduler",
	Long: `Start the HTTP API and the background scheduler.

The scheduler reconciles submitted runs against the configured cloud
backends: it provisions instances, waits for them to become reachable,
attaches SSH tunnels, and reclaims cloud resources on stop or failure.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := observability.CLILogger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := runstore.Open(ctx, runstore.Config{Path: cfg.Store.Path})
	if err != nil {
		return err
	}
	if err := runstore.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	store := runstore.New(db)
	defer func() { _ = store.Close() }()

	registry, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}

	tunnels := sshtunnel.NewManager(sshtunnel.ManagerConfig{
		User:              cfg.SSH.User,
		IdentityFile:      cfg.SSH.IdentityFile,
		ConfigPath:        cfg.SSH.ConfigPath,
		PrimaryConfigPath: cfg.SSH.PrimaryConfigPath,
		ControlDir:        cfg.SSH.ControlDir,
	})

	sched := scheduler.New(store, registry, &tunnelAttacher{manager: tunnels}, scheduler.Config{
		Interval:            cfg.Scheduler.Interval,
		ProvisioningTimeout: cfg.Scheduler.ProvisioningTimeout,
		Workers:             cfg.Scheduler.Workers,
		ProviderRPS:         cfg.Scheduler.ProviderRPS,
	}, logger.Named("scheduler"))

	srv := server.New(cfg.Server.Host, cfg.Server.Port, store, registry)

	handlers.SetReady(true)
	logger.Info("skyrun serving",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Strings("backends", registry.Names()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sched.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.Server.ShutdownTimeout)
	})
	return g.Wait()
}

// buildRegistry probes each configured backend's credentials and registers
// the ones that pass. A backend whose credentials are rejected is skipped
// with a warning rather than failing startup, so one bad account does not
// take down the rest.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend.Registry, error) {
	registry := backend.NewRegistry()

	for i := range cfg.Backends.AWS {
		bcfg := cfg.Backends.AWS[i]
		b, err := awsbackend.New(ctx, bcfg)
		if err != nil {
			if backend.IsInvalidCredentials(err) {
				logger.Warn("skipping backend: credentials rejected",
					zap.String("backend", bcfg.Name), zap.Error(err))
				continue
			}
			return nil, err
		}
		if err := registry.Register(b); err != nil {
			return nil, err
		}
	}
	for i := range cfg.Backends.GCP {
		bcfg := cfg.Backends.GCP[i]
		b, err := gcpbackend.New(ctx, bcfg)
		if err != nil {
			if backend.IsInvalidCredentials(err) {
				logger.Warn("skipping backend: credentials rejected",
					zap.String("backend", bcfg.Name), zap.Error(err))
				continue
			}
			return nil, err
		}
		if err := registry.Register(b); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// tunnelAttacher adapts the tunnel manager to the scheduler's view of it.
type tunnelAttacher struct {
	manager *sshtunnel.Manager
}

var _ scheduler.Attacher = (*tunnelAttacher)(nil)

func (a *tunnelAttacher) Attach(ctx context.Context, job *runstore.Job) (map[int]int, error) {
	return a.manager.Attach(ctx, job.RunName, job.Hostname, job.Ports)
}

func (a *tunnelAttacher) Detach(runName string) {
	a.manager.Detach(runName)
}
