package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/relay/internal/approval"
	"github.com/basket/relay/internal/audit"
	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/config"
	"github.com/basket/relay/internal/engine"
	"github.com/basket/relay/internal/engine/anthropic"
	"github.com/basket/relay/internal/event"
	"github.com/basket/relay/internal/gateway"
	otelPkg "github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/pty"
	"github.com/basket/relay/internal/session"
	"github.com/basket/relay/internal/shared"
	"github.com/basket/relay/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the runner daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  RELAY_HOME              Data directory (default: ~/.relay)
  RELAY_BIND_ADDR         Override bind address
  RELAY_AUTH_TOKEN        Override the persisted gateway token
  ANTHROPIC_API_KEY       Enables the Anthropic engine (echo engine without it)
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so logger-init failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if err := config.EnsureAuthToken(&cfg); err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}
	if cfg.NeedsGenesis {
		logger.Info("config.yaml created", "home", cfg.HomeDir)
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "relay.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_DB_OPEN", err)
	}
	defer db.Close()
	if err := audit.EnsureSchema(ctx, db); err != nil {
		fatalStartup(logger, "E_AUDIT_SCHEMA", err)
	}
	audit.SetDB(db)
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	runnerID := shared.NewRunnerID()
	broadcaster := bus.New(event.NewSequencer(), metrics)
	approvals := approval.NewBroker(broadcaster, runnerID,
		time.Duration(cfg.ApprovalTimeoutSeconds)*time.Second, logger, metrics)

	var eng engine.Engine
	if cfg.Engine.APIKey != "" {
		eng = anthropic.New(func(o *anthropic.Options) {
			o.APIKey = cfg.Engine.APIKey
			if cfg.Engine.Model != "" {
				o.Model = cfg.Engine.Model
			}
			if cfg.Engine.MaxTokens > 0 {
				o.MaxTokens = cfg.Engine.MaxTokens
			}
		})
		logger.Info("engine configured", "kind", "anthropic", "model", cfg.Engine.Model)
	} else {
		eng = &engine.Echo{DelayPerWord: 50 * time.Millisecond}
		logger.Warn("no ANTHROPIC_API_KEY, using echo engine")
	}

	sessions := session.NewManager(broadcaster, approvals, eng, runnerID, logger, otelProvider.Tracer, metrics)
	processes := pty.NewBridge(broadcaster, runnerID, logger, metrics)

	gw := gateway.New(gateway.Config{
		Sessions:     sessions,
		Processes:    processes,
		Approvals:    approvals,
		Broadcaster:  broadcaster,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: nil,
		Projects:     cfg.Projects,
		HomeDir:      cfg.HomeDir,
		Process:      cfg.Process,
		Logger:       logger,
		Metrics:      metrics,
	})

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			gw.ReplaceProjects(newCfg.Projects)
			logger.Info("config.yaml hot-reloaded", "projects", len(newCfg.Projects))
		}
	}()

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws", "runner_id", runnerID)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if isatty.IsTerminal(os.Stdout.Fd()) && !*quiet {
		fmt.Printf("relayd %s listening on %s (runner %s)\n", Version, cfg.BindAddr, runnerID)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then abort in-flight turns so their terminal
	// envelopes still reach connected observers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	for _, info := range sessions.List("") {
		_ = sessions.Interrupt(info.SessionID)
	}
	for _, handle := range processes.List("") {
		processes.Kill(handle.SessionID)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
