package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/synedrio/internal/agent"
	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/deliberation"
	"github.com/mtzanidakis/synedrio/internal/health"
	"github.com/mtzanidakis/synedrio/internal/logger"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/mtzanidakis/synedrio/internal/registry"
	"github.com/mtzanidakis/synedrio/internal/schedule"
	"github.com/mtzanidakis/synedrio/internal/scheduler"
	"github.com/mtzanidakis/synedrio/internal/search"
	"github.com/mtzanidakis/synedrio/internal/store"
	"github.com/mtzanidakis/synedrio/internal/telegram"
	"github.com/mtzanidakis/synedrio/internal/tracing"
	"github.com/mtzanidakis/synedrio/internal/vault"
	"github.com/mtzanidakis/synedrio/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("synedrio %s\n", version)
	case "serve":
		err = runServe()
	case "ask":
		err = runAsk(os.Args[2:])
	case "health":
		err = runHealth(os.Args[2:])
	case "models":
		err = runModels()
	case "watch":
		err = runWatch(os.Args[2:])
	case "vault":
		err = runVault(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: synedrio <command>

Commands:
  serve      Start the HTTP gateway, event bus and optional Telegram bot
  ask        Run one deliberation from the command line
  health     Probe every configured agent
  models     List the models pulled on every agent
  watch      Stream events from a running gateway
  vault      Manage encrypted secrets
  backup     Archive the database and event store
  restore    Restore an archive created by backup
  version    Print version
`)
}

// app holds what every subcommand shares: configuration, the store and the
// agent client.
type app struct {
	cfg     *config.Config
	db      *store.Store
	secrets *vault.Secrets
	client  *agent.Client
	agents  []agent.Agent
}

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Install(cfg.Log)

	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	var secrets *vault.Secrets
	if cfg.Vault.Passphrase != "" {
		v, err := vault.New(cfg.Vault.Passphrase)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init vault: %w", err)
		}
		secrets = vault.NewSecrets(db, v)
	}

	if cfg.Search.APIKey, err = secrets.Resolve(cfg.Search.APIKey); err != nil {
		db.Close()
		return nil, fmt.Errorf("resolve search.api_key: %w", err)
	}
	if cfg.Telegram.Token, err = secrets.Resolve(cfg.Telegram.Token); err != nil {
		db.Close()
		return nil, fmt.Errorf("resolve telegram.token: %w", err)
	}

	return &app{
		cfg:     cfg,
		db:      db,
		secrets: secrets,
		client:  agent.NewClient(),
		agents:  agent.FromConfig(cfg.Agents),
	}, nil
}

func (a *app) Close() {
	a.db.Close()
}

func (a *app) pipeline(events deliberation.Publisher) (*deliberation.Pipeline, error) {
	provider, err := search.NewProvider(a.cfg.Search)
	if err != nil {
		return nil, fmt.Errorf("init search provider: %w", err)
	}
	if provider == nil {
		slog.Warn("search api key not set, using placeholder search results")
	}

	return deliberation.New(deliberation.Options{
		Agents:       a.agents,
		Invoker:      a.client,
		Gate:         search.NewGate(a.cfg.Search, provider),
		AgentTimeout: a.cfg.Deliberation.AgentTimeout,
		Events:       events,
		Ledger:       a.db,
	})
}

func (a *app) probe() *health.Probe {
	return health.NewProbe(a.client, a.cfg.Health.Timeout)
}

func runServe() error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	slog.Info("starting synedrio gateway", "version", version, "agents", len(a.agents))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()

	// Agent registry mirror
	reg := registry.New(a.db, a.agents)
	if err := reg.Sync(); err != nil {
		return fmt.Errorf("sync agent registry: %w", err)
	}
	if synth, ok := reg.Synthesizer(); ok {
		slog.Info("agent registry synced", "agents", len(reg.Agents()), "synthesizer", synth.Name)
	}

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	events, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer events.Close()

	p, err := a.pipeline(events)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	probe := a.probe()

	// Health watcher
	if cfg.Health.WatchSchedule != "" {
		sched, err := schedule.Parse(cfg.Health.WatchSchedule)
		if err != nil {
			return fmt.Errorf("parse health.watch_schedule: %w", err)
		}
		watcher := health.NewWatcher(probe, reg.Agents(), events)
		go scheduler.New("health-watch", sched, watcher.Tick).Start(ctx)
		slog.Info("health watcher started", "schedule", sched.String())
	}

	// Telegram bot
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, p, probe)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
	} else {
		slog.Info("telegram token not set, bot disabled")
	}

	// HTTP gateway
	webDone := make(chan struct{})
	if cfg.Web.Enabled {
		srv := web.NewServer(p, probe, reg, a.db, bus, cfg.Web, version)
		go func() {
			defer close(webDone)
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	} else {
		close(webDone)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	// Let in-flight requests drain before the store and bus close.
	<-webDone
	return nil
}
