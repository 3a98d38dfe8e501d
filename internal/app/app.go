package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"oracle-market/internal/api"
	"oracle-market/internal/auth"
	"oracle-market/internal/config"
	"oracle-market/internal/notify"
	"oracle-market/internal/oracle"
	"oracle-market/internal/scheduler"
	"oracle-market/internal/service"
	"oracle-market/internal/settlement"
	"oracle-market/internal/storage"
	"oracle-market/internal/version"
)

const shutdownTimeout = 10 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives human-readable command output.
	Out io.Writer
	// Prices overrides the on-chain oracle client when set.
	Prices service.PriceOracle
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
	}
}

func (a *App) newOracle() service.PriceOracle {
	if a.Prices != nil {
		return a.Prices
	}
	return oracle.New(oracle.Options{
		Endpoints: a.Config.Oracle.RPCEndpoints(),
		Timeout:   a.Config.Oracle.RequestTimeout,
		Network:   a.Config.Oracle.Network,
	}, a.Logger)
}

func (a *App) newNotifier() notify.Notifier {
	if a.Config.Notify.Telegram.Enabled {
		cfg := a.Config.Notify.Telegram
		return notify.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return notify.Nop{}
}

func (a *App) newNonceStore(ctx context.Context) (auth.NonceStore, func(), error) {
	cfg := a.Config.Auth
	if cfg.NonceBackend != "redis" {
		return auth.NewMemoryNonceStore(cfg.NonceTTL), func() {}, nil
	}
	rdb, err := auth.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	return auth.NewRedisNonceStore(rdb, cfg.Redis.Prefix, cfg.NonceTTL), func() { _ = rdb.Close() }, nil
}

func (a *App) openStore(ctx context.Context) (storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", a.Config.Storage.Driver, err)
	}
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close store")
		}
	}
	return store, closer, nil
}

// newService opens the store and wires the settlement engine and service on
// top of it. The returned closer releases the store.
func (a *App) newService(ctx context.Context) (*service.Service, storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	prices := a.newOracle()
	engine := settlement.NewEngine(store, prices, a.Logger)
	svc := service.New(store, engine, prices, a.newNotifier(), service.Options{
		AdvisoryLockKey: a.Config.Poller.AdvisoryLockKey,
	}, a.Logger)
	return svc, store, closeStore, nil
}

// Serve runs the HTTP API and, when enabled, the oracle poller until a
// termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, store, closeStore, err := a.newService(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	nonces, closeNonces, err := a.newNonceStore(ctx)
	if err != nil {
		return err
	}
	defer closeNonces()

	authenticator := auth.New(nonces, store, auth.Options{
		NonceTTL:       a.Config.Auth.NonceTTL,
		StartingPoints: a.Config.Auth.StartingPoints,
	}, a.Logger)

	router := api.NewRouter(api.Deps{
		Service:     svc,
		Auth:        authenticator,
		CORSOrigins: a.Config.HTTP.CORSOrigins,
		Version:     version.Version,
		Logger:      a.Logger,
	})
	server := api.NewServer(a.Config.HTTP, router)

	errCh := make(chan error, 2)
	go func() {
		a.Logger.Info().Str("addr", server.Addr).Str("storage", a.Config.Storage.Driver).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.Config.Poller.Enabled {
		sched := scheduler.New(scheduler.Options{
			Interval:     a.Config.Poller.Interval,
			StartupDelay: a.Config.Poller.StartupDelay,
			RunOnStart:   true,
		}, a.Logger)
		go func() {
			err := sched.Run(ctx, func(ctx context.Context, at time.Time) error {
				_, err := svc.SweepDue(ctx, at)
				return err
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	} else {
		a.Logger.Info().Msg("oracle poller disabled")
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.Logger.Error().Err(runErr).Msg("service terminated with error")
		cancel()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("http shutdown")
	}

	a.Logger.Info().Msg("server stopped")
	return runErr
}

// Sweep runs a single oracle pass over due claims and prints the outcome.
func (a *App) Sweep(ctx context.Context) error {
	svc, _, closeStore, err := a.newService(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	report, err := svc.SweepDue(ctx, time.Now())
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Fprintln(a.Out, "sweep skipped: another instance holds the lock")
		return nil
	}
	fmt.Fprintf(a.Out, "due: %d\nresolved: %d\nfailed: %d\n", report.Due, report.Resolved, report.Failed)
	return nil
}
