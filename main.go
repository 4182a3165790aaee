package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/microsoft/wsla/internal/config"
	"github.com/microsoft/wsla/internal/db"
	"github.com/microsoft/wsla/internal/handlers"
	"github.com/microsoft/wsla/internal/models"
	"github.com/microsoft/wsla/internal/session"
	"github.com/microsoft/wsla/internal/terminal"
	"github.com/microsoft/wsla/internal/vm"
	"github.com/microsoft/wsla/internal/ws"
)

// version is set at build time via -ldflags="-X main.version=..."
var version = "0.1.0"

func main() {
	// Quick healthcheck mode: hits /healthz and exits without starting
	// anything.
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		port := "5002"
		if v := os.Getenv("WSLA_PORT"); v != "" {
			port = v
		}
		resp, err := http.Get("http://127.0.0.1:" + port + "/healthz")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var level slog.LevelVar
	level.Set(cfg.Level)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: &level,
	})))

	if err := run(cfg, &level); err != nil {
		slog.Error("wsla", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, level *slog.LevelVar) error {
	slog.Info("starting wsla",
		"version", version,
		"port", cfg.Port,
		"dataDir", cfg.DataDir,
		"engineSocket", cfg.EngineSocket,
		"session", cfg.SessionName,
		"logLevel", cfg.Level,
		"noAuth", cfg.NoAuth,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.File != "" {
		err := config.Watch(ctx, cfg, func(next *config.Config) {
			if next.Level != level.Level() {
				slog.Info("log level changed", "from", level.Level(), "to", next.Level)
				level.Set(next.Level)
			}
		})
		if err != nil {
			slog.Warn("config watcher failed to start", "err", err)
		}
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close()

	operators := models.NewOperatorStore(database)
	settings := models.NewSettingStore(database)
	audit := models.NewAuditStore(database)

	// Token secret (generated on first run)
	secret, err := settings.EnsureTokenSecret()
	if err != nil {
		return fmt.Errorf("token secret: %w", err)
	}
	count, err := operators.Count()
	if err != nil {
		return fmt.Errorf("operator count: %w", err)
	}

	opts := session.Options{
		Name: cfg.SessionName,
		VM: vm.NewLocal(vm.LocalOptions{
			EngineSocket:  cfg.EngineSocket,
			PortRangeLow:  cfg.PortRangeLow,
			PortRangeHigh: cfg.PortRangeHigh,
		}),
		Launcher:      vm.ExecLauncher{},
		EventsCommand: command(cfg.EventsCommand),
		VolumeRoot:    cfg.VolumeRoot,
	}
	if len(cfg.DaemonCommand) > 0 {
		daemon := command(cfg.DaemonCommand)
		opts.DaemonCommand = &daemon
	}
	sess, err := session.New(ctx, opts)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer sess.Close()

	wss := ws.NewServer()
	app := &handlers.App{
		Session:     sess,
		Operators:   operators,
		Settings:    settings,
		Audit:       audit,
		WS:          wss,
		Terms:       terminal.NewManager(),
		TokenSecret: secret,
		Version:     version,
		NoAuth:      cfg.NoAuth,
	}
	app.SetNeedSetup(count == 0)
	handlers.Register(app)

	if cfg.NoAuth {
		slog.Warn("authentication disabled (--no-auth)")
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wss)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		select {
		case <-sess.Done():
			http.Error(w, "session terminated", http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		}
	})
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", netpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)
		slog.Info("pprof enabled at /debug/pprof/")
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case <-sess.Done():
		slog.Error("session terminated, shutting down")
	case err := <-serveErr:
		return fmt.Errorf("server: %w", err)
	}

	wss.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func command(argv []string) vm.Command {
	return vm.Command{Path: argv[0], Args: argv[1:]}
}
