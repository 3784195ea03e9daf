// carousel-ws runs the websocket event stream on its own, with its own
// pollers, for deployments that front the HTTP API separately.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/iapunto/carousel-api/internal/audit"
	"github.com/iapunto/carousel-api/internal/bus"
	"github.com/iapunto/carousel-api/internal/config"
	"github.com/iapunto/carousel-api/internal/fleet"
	"github.com/iapunto/carousel-api/internal/ws"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	hostFlag := flag.String("host", "0.0.0.0", "host to bind")
	portFlag := flag.Int("port", 8765, "port to bind")
	logLevelFlag := flag.String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	configFlag := flag.String("config", "", "path to the fleet configuration file")
	lockDirFlag := flag.String("lock-dir", "", "directory for cross-process device lock files (default: system temp dir)")
	logDirFlag := flag.String("log-dir", "logs", "directory for the audit trails (empty disables)")

	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	log := newLogger(*logLevelFlag)

	store, err := config.NewStore(&config.StoreConfig{Logger: log, FleetPath: *configFlag})
	if err != nil {
		log.Error("failed to create configuration store", "error", err)
		return err
	}
	fleetCfg, source, err := store.LoadFleet()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		return err
	}
	log.Info("configuration loaded", "source", string(source), "machines", len(fleetCfg.Machines))

	trail, err := audit.New(&audit.Config{Logger: log, Dir: *logDirFlag})
	if err != nil {
		log.Error("failed to open audit trails", "error", err)
		return err
	}
	defer trail.Close() //nolint:errcheck

	eventBus, err := bus.New(&bus.Config{Logger: log})
	if err != nil {
		log.Error("failed to create event bus", "error", err)
		return err
	}

	clock := clockwork.NewRealClock()

	manager, err := fleet.New(&fleet.Config{
		Logger:   log,
		Machines: fleetCfg.Machines,
		Bus:      eventBus,
		Trail:    trail,
		Clock:    clock,
		LockDir:  *lockDirFlag,
	})
	if err != nil {
		log.Error("failed to create fleet", "error", err)
		return err
	}

	wsServer, err := ws.New(&ws.Config{
		Logger:  log,
		Fleet:   manager,
		Bus:     eventBus,
		Clock:   clock,
		Version: version,
	})
	if err != nil {
		log.Error("failed to create websocket server", "error", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := manager.Run(ctx); err != nil {
			log.Error("fleet stopped", "error", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := wsServer.Run(ctx); err != nil {
			log.Error("broadcast loop stopped", "error", err)
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("GET /ws", wsServer.Handler())
	server := &http.Server{
		Addr:    net.JoinHostPort(*hostFlag, fmt.Sprintf("%d", *portFlag)),
		Handler: mux,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("websocket server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("websocket server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("websocket shutdown", "error", err)
	}
	wg.Wait()
	return nil
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
	}))
}
