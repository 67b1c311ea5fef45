package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/iammorganparry/clive/apps/conductor/internal/api"
	"github.com/iammorganparry/clive/apps/conductor/internal/config"
	"github.com/iammorganparry/clive/apps/conductor/internal/devlog"
	"github.com/iammorganparry/clive/apps/conductor/internal/metrics"
	"github.com/iammorganparry/clive/apps/conductor/internal/process"
	"github.com/iammorganparry/clive/apps/conductor/internal/relay"
	"github.com/iammorganparry/clive/apps/conductor/internal/sessions"
	"github.com/iammorganparry/clive/apps/conductor/internal/store"
	"github.com/iammorganparry/clive/apps/conductor/internal/workitems"
)

const httpShutdownTimeout = 10 * time.Second

// app holds the wired server components.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *store.DB
	relay     *relay.Relay
	sessions  *sessions.Service
	workItems *workitems.Service
	handler   http.Handler
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	// SQLite
	db, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	rl := relay.New(cfg.Relay.QueueSize, cfg.Relay.ClientBuffer, logger, m)

	// Agent processes
	procs := process.NewManager(process.Config{
		Command:        cfg.Process.Command,
		Args:           cfg.Process.Args,
		InterruptGrace: cfg.Process.InterruptGrace,
	}, logger, m)

	// Sessions
	sessionSvc := sessions.NewService(
		sessions.Config{
			ResponseTimeout: cfg.Process.ResponseTimeout,
			DefaultPageSize: cfg.Messages.DefaultLimit,
			AutoStart:       cfg.Sessions.AutoStart,
		},
		store.NewSessionStore(db),
		store.NewMessageStore(db),
		sessions.NewProcessManager(procs),
		rl, m, logger,
	)
	// Nothing survives a restart, so sessions recorded as live are not.
	if err := sessionSvc.Reconcile(); err != nil {
		db.Close()
		return nil, fmt.Errorf("reconcile sessions: %w", err)
	}

	// Work items
	workItemSvc := workitems.NewService(
		store.NewWorkItemStore(db),
		sessionSvc,
		devlog.NewStore(cfg.DevLog.Dir, logger),
		rl, logger,
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		relay:     rl,
		sessions:  sessionSvc,
		workItems: workItemSvc,
		handler:   api.NewRouter(db, sessionSvc, workItemSvc, rl, reg, cfg.Server.APIKey, logger),
	}, nil
}

// apply hot-reloads the settings that can change without a restart.
func (a *app) apply(cfg *config.Config, level *slog.LevelVar) {
	if l, err := config.ParseLevel(cfg.Log.Level); err == nil {
		level.Set(l)
	}
	a.sessions.SetResponseTimeout(cfg.Process.ResponseTimeout)
	a.logger.Info("settings applied",
		"log_level", cfg.Log.Level,
		"response_timeout", cfg.Process.ResponseTimeout.String(),
	)
}

// serve runs the HTTP server and the relay until ctx is done, then shuts
// down in order: HTTP, agent processes, relay.
func (a *app) serve(ctx context.Context, srv *http.Server) error {
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.relay.Run(relayCtx)
	})

	g.Go(func() error {
		a.logger.Info("conductor server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down...")
		defer stopRelay()

		httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}

		procCtx, cancelProcs := context.WithTimeout(context.Background(), a.cfg.Process.InterruptGrace+5*time.Second)
		defer cancelProcs()
		if err := a.sessions.Shutdown(procCtx); err != nil {
			a.logger.Error("session shutdown error", "error", err)
		}
		return nil
	})

	err := g.Wait()
	a.logger.Info("server stopped")
	return err
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Error("close database", "error", err)
	}
}
