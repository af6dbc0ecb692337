// Command corvus-gate runs the on-demand Minecraft server gateway: it
// accepts client connections on every registered server's external port,
// cold-starts the backend container on login, and relays bytes once the
// backend is up.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corvus-paas/corvus-gate/internal/config"
	"github.com/corvus-paas/corvus-gate/internal/eventlog"
	"github.com/corvus-paas/corvus-gate/internal/gateway"
	"github.com/corvus-paas/corvus-gate/internal/metrics"
	"github.com/corvus-paas/corvus-gate/internal/notify"
	"github.com/corvus-paas/corvus-gate/internal/ops"
	"github.com/corvus-paas/corvus-gate/internal/registry"
	"github.com/corvus-paas/corvus-gate/internal/runtime/docker"
	"github.com/corvus-paas/corvus-gate/internal/supervisor"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger()

	logger.Info("corvus-gate starting",
		"registry_path", cfg.RegistryPath,
		"ops_addr", cfg.OpsAddr,
		"log_format", cfg.LogFormat,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.NewLoader(cfg.RegistryPath)
	if err != nil {
		log.Fatalf("failed to load registry: %v", err)
	}

	runtimeAdapter, err := docker.New(ctx, logger)
	if err != nil {
		log.Fatalf("failed to connect to docker daemon: %v", err)
	}
	defer runtimeAdapter.Close()

	events, err := eventlog.New(cfg.LogDir)
	if err != nil {
		log.Fatalf("failed to open event log: %v", err)
	}
	defer events.Close()

	notifier := buildNotifier(reg.Current(), logger)
	collector := metrics.New()

	// sup and gw are mutually dependent (sup routes accepted connections to
	// gw.Handle; gw looks up backends through sup). gwRef breaks the cycle:
	// the closure is only ever invoked after gwRef is assigned below, since
	// no listener accepts a connection before Reload runs.
	var gwRef *gateway.Handler
	sup := supervisor.New(runtimeAdapter, collector, events, notifier, logger, func(conn net.Conn, port int) {
		gwRef.Handle(conn, port)
	})
	gwRef = gateway.New(reg, sup, logger)

	if err := sup.Reload(ctx, reg.Current()); err != nil {
		log.Fatalf("failed to start listeners from registry: %v", err)
	}

	reload := func() error {
		if err := reg.Reload(); err != nil {
			return err
		}
		return sup.Reload(ctx, reg.Current())
	}

	opsServer := &http.Server{
		Addr: cfg.OpsAddr,
		Handler: ops.NewRouter(ops.Dependencies{
			Logger:   logger,
			Metrics:  collector,
			Registry: reg,
			Backends: sup,
			Notifier: notifier,
			Reloader: ops.ReloaderFunc(reload),
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return sup.Run(groupCtx)
	})

	group.Go(func() error {
		return runReloadSignalLoop(groupCtx, logger, reload)
	})

	group.Go(func() error {
		logger.Info("ops server listening", "addr", opsServer.Addr)
		err := opsServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-groupCtx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown failed", "error", err)
	}
	sup.Shutdown()

	if err := group.Wait(); err != nil {
		logger.Error("supervisor exited with error", "error", err)
	}

	logger.Info("corvus-gate stopped")
}

// runReloadSignalLoop re-reads the registry file and reconciles the
// supervisor against it every time the process receives SIGHUP, until ctx is
// cancelled. A failed reload is logged and the gateway keeps running on its
// previous snapshot rather than exiting.
func runReloadSignalLoop(ctx context.Context, logger *slog.Logger, reload func() error) error {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sighup:
			logger.Info("SIGHUP received, reloading registry")
			if err := reload(); err != nil {
				logger.Error("registry reload failed", "error", err)
				continue
			}
			logger.Info("registry reload complete")
		}
	}
}

// notificationsConfig is the decoded shape of the registry file's
// "notifications" object.
type notificationsConfig struct {
	Email struct {
		Enabled     bool            `json:"enabled"`
		SMTPHost    string          `json:"smtp_host"`
		SMTPPort    int             `json:"smtp_port"`
		SMTPTLS     bool            `json:"smtp_tls"`
		SMTPUser    string          `json:"smtp_user"`
		SMTPPass    string          `json:"smtp_password"`
		FromAddress string          `json:"from_address"`
		ToAddresses []string        `json:"to_addresses"`
		Events      map[string]bool `json:"events"`
	} `json:"email"`
	Pushover struct {
		Enabled  bool            `json:"enabled"`
		UserKey  string          `json:"user_key"`
		AppToken string          `json:"app_token"`
		Priority int             `json:"priority"`
		Events   map[string]bool `json:"events"`
	} `json:"pushover"`
}

// buildNotifier wires email and push channels from the registry's
// notifications config, if present.
func buildNotifier(snapshot *registry.Snapshot, logger *slog.Logger) *notify.Manager {
	manager := notify.NewManager(logger)

	var cfg notificationsConfig
	if snapshot != nil && snapshot.Notifications != nil {
		data, err := json.Marshal(snapshot.Notifications)
		if err != nil {
			logger.Warn("failed to marshal notifications config, channels disabled", "error", err)
			return manager
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			logger.Warn("failed to parse notifications config, channels disabled", "error", err)
			return manager
		}
	}

	if cfg.Email.Enabled {
		manager.Register(&notify.EmailChannel{
			Host:        cfg.Email.SMTPHost,
			Port:        cfg.Email.SMTPPort,
			TLS:         cfg.Email.SMTPTLS,
			Username:    cfg.Email.SMTPUser,
			Password:    cfg.Email.SMTPPass,
			FromAddress: cfg.Email.FromAddress,
			ToAddresses: cfg.Email.ToAddresses,
		}, cfg.Email.Events)
	}

	if cfg.Pushover.Enabled {
		manager.Register(notify.NewPushChannel(cfg.Pushover.UserKey, cfg.Pushover.AppToken, cfg.Pushover.Priority), cfg.Pushover.Events)
	}

	return manager
}
