package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yuu2811/EDINET-sub000/internal/broadcast"
	"github.com/yuu2811/EDINET-sub000/internal/config"
	"github.com/yuu2811/EDINET-sub000/internal/edinet"
	"github.com/yuu2811/EDINET-sub000/internal/extractor"
	"github.com/yuu2811/EDINET-sub000/internal/poller"
	"github.com/yuu2811/EDINET-sub000/internal/scheduler"
	"github.com/yuu2811/EDINET-sub000/internal/server"
	"github.com/yuu2811/EDINET-sub000/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// openStore connects the persistence layer. An unreachable database is
// the one startup failure treated as fatal.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

type pipeline struct {
	hub     *broadcast.Hub
	poller  *poller.Poller
	trigger *poller.Trigger
}

func (a *App) buildPipeline(store storage.FilingStore, withScheduler bool) pipeline {
	cfg := a.Config

	hub := broadcast.NewHub(cfg.Server.SubscriberBuffer, a.Logger)

	client := edinet.NewClient(edinet.Options{
		BaseURL:        cfg.Edinet.BaseURL,
		APIKey:         cfg.Edinet.APIKey,
		ListTimeout:    cfg.Edinet.ListTimeout,
		ArchiveTimeout: cfg.Edinet.ArchiveTimeout,
		MaxAttempts:    cfg.Edinet.MaxAttempts,
		BackoffBase:    cfg.Edinet.BackoffBase,
		BackoffCap:     cfg.Edinet.BackoffCap,
		UserAgent:      cfg.Edinet.UserAgent,
	}, a.Logger)

	ext := extractor.New(a.Logger)

	var sched *scheduler.Scheduler
	if withScheduler {
		sched = scheduler.New(scheduler.Options{
			Interval:     cfg.Scheduler.Interval,
			StartupDelay: cfg.Scheduler.StartupDelay,
			RunAtStart:   cfg.Scheduler.RunAtStart,
		}, a.Logger)
	}

	p := poller.New(sched, client, store, ext, hub, poller.Options{
		DocTypeCodes: cfg.InterestingTypes(),
		Retry: poller.RetryOptions{
			BatchSize:    cfg.Retry.BatchSize,
			ItemTimeout:  cfg.Retry.ItemTimeout,
			BatchTimeout: cfg.Retry.BatchTimeout,
		},
	}, a.Logger)

	trigger := poller.NewTrigger(p, cfg.Server.TriggerCooldown, a.Logger)

	return pipeline{hub: hub, poller: p, trigger: trigger}
}

// Run executes the long-running ingestion service and HTTP surface.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pipe := a.buildPipeline(store, true)

	srv := server.New(server.Options{
		Addr:              a.Config.Server.Addr,
		KeepaliveInterval: a.Config.Server.KeepaliveInterval,
		ShutdownTimeout:   a.Config.Server.ShutdownTimeout,
	}, pipe.hub, pipe.trigger, store, store, a.Logger)

	a.Logger.Info().Msg("starting ingestion service")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(pipe.poller.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(srv.Run(gctx))
	})

	err = g.Wait()
	if err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("ingestion service stopped")
	return nil
}

// PollOnce runs a single manual ingestion cycle for the given date.
func (a *App) PollOnce(ctx context.Context, date time.Time) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pipe := a.buildPipeline(store, false)

	newCount, err := pipe.trigger.PollNow(ctx, date)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("date", date.Format("2006-01-02")).
		Int("new_filings", newCount).
		Msg("manual poll finished")
	return nil
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
