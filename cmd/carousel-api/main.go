// carousel-api is the combined service: the HTTP command API, the websocket
// event stream, and the per-machine status pollers in one process.
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
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/iapunto/carousel-api/internal/audit"
	"github.com/iapunto/carousel-api/internal/bus"
	"github.com/iapunto/carousel-api/internal/config"
	"github.com/iapunto/carousel-api/internal/fleet"
	"github.com/iapunto/carousel-api/internal/httpapi"
	"github.com/iapunto/carousel-api/internal/ws"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultWSListen        = ":8765"
	defaultMetricsAddr     = ":9090"
	defaultLogDir          = "logs"
	defaultShutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")

	configFlag := flag.String("config", "", "path to the fleet configuration file")
	singleConfigFlag := flag.String("single-config", "", "path to the legacy single-device configuration file")
	listenFlag := flag.String("listen", "", "HTTP API listen address (default: port from configuration)")
	wsListenFlag := flag.String("ws-listen", defaultWSListen, "websocket event stream listen address")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "prometheus metrics listen address (empty disables)")
	lockDirFlag := flag.String("lock-dir", "", "directory for cross-process device lock files (default: system temp dir)")
	logDirFlag := flag.String("log-dir", defaultLogDir, "directory for the audit trails (empty disables)")
	pollIntervalFlag := flag.Duration("poll-interval", 0, "status poll interval per machine (default: 5s)")
	broadcastIntervalFlag := flag.Duration("broadcast-interval", 0, "websocket all-machines broadcast interval (default: 2s)")

	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	// Environment overrides live in a local .env during development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	log := newLogger(*verboseFlag)

	store, err := config.NewStore(&config.StoreConfig{
		Logger:     log,
		FleetPath:  *configFlag,
		SinglePath: *singleConfigFlag,
	})
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

	listen := *listenFlag
	if listen == "" {
		port := fleetCfg.API.Port
		if port == 0 {
			port = 5000
		}
		listen = ":" + strconv.Itoa(port)
	}

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

	fleetMetrics := fleet.NewMetrics()
	fleetMetrics.Register(prometheus.DefaultRegisterer)
	wsMetrics := ws.NewMetrics()
	wsMetrics.Register(prometheus.DefaultRegisterer)

	manager, err := fleet.New(&fleet.Config{
		Logger:       log,
		Machines:     fleetCfg.Machines,
		Bus:          eventBus,
		Trail:        trail,
		Metrics:      fleetMetrics,
		Clock:        clock,
		LockDir:      *lockDirFlag,
		PollInterval: *pollIntervalFlag,
	})
	if err != nil {
		log.Error("failed to create fleet", "error", err)
		return err
	}

	api, err := httpapi.New(&httpapi.Config{Logger: log, Fleet: manager})
	if err != nil {
		log.Error("failed to create http api", "error", err)
		return err
	}

	mode := ws.ModeMulti
	if len(fleetCfg.Machines) == 1 && source != config.SourceFleet {
		mode = ws.ModeSingle
	}
	wsServer, err := ws.New(&ws.Config{
		Logger:            log,
		Fleet:             manager,
		Bus:               eventBus,
		Metrics:           wsMetrics,
		Clock:             clock,
		BroadcastInterval: *broadcastIntervalFlag,
		Version:           version,
		Mode:              mode,
	})
	if err != nil {
		log.Error("failed to create websocket server", "error", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *metricsAddrFlag != "" {
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("prometheus metrics server failed", "error", err)
				os.Exit(1)
			}
		}()
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := manager.Run(ctx); err != nil {
			log.Error("fleet stopped", "error", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsServer.Run(ctx); err != nil {
			log.Error("websocket broadcast loop stopped", "error", err)
			cancel()
		}
	}()

	apiServer := &http.Server{Addr: listen, Handler: api.Routes()}
	wsMux := http.NewServeMux()
	wsMux.Handle("GET /ws", wsServer.Handler())
	wsHTTPServer := &http.Server{Addr: *wsListenFlag, Handler: wsMux}

	for _, srv := range []struct {
		name   string
		server *http.Server
	}{
		{"http api", apiServer},
		{"websocket", wsHTTPServer},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info(srv.name+" listening", "address", srv.server.Addr)
			if err := srv.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(srv.name+" failed", "error", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http api shutdown", "error", err)
	}
	if err := wsHTTPServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("websocket shutdown", "error", err)
	}
	wg.Wait()
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
	}))
}
