package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omochice/netdebug/internal/capture"
	"github.com/omochice/netdebug/internal/config"
	"github.com/omochice/netdebug/internal/history"
	"github.com/omochice/netdebug/internal/logging"
	"github.com/omochice/netdebug/internal/taskmgr"
	"github.com/omochice/netdebug/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to configuration file")
	mode := flag.String("mode", "", "Network role: tcp-client, tcp-server, udp or ws-client")
	host := flag.String("host", "", "Host to connect to (tcp-client) or bind (tcp-server, udp)")
	port := flag.Int("port", 0, "Port to connect to or bind")
	buffer := flag.String("buffer", "", `TCP server read buffer: "auto" or a byte count`)
	heartbeat := flag.Int("heartbeat", 0, "TCP server idle timeout in seconds (0 disables)")
	udpBuffer := flag.Int("udp-buffer", 0, "UDP receive buffer in bytes (0 uses 4096)")
	target := flag.String("target", "", "Default UDP target host:port")
	url := flag.String("url", "", "WebSocket URL (ws-client)")
	hexSend := flag.Bool("hex-send", false, "Parse input as hex byte pairs")
	hexRecv := flag.Bool("hex-recv", false, "Render received data as hex")
	autoAnswer := flag.Bool("auto-answer", false, `Reply "received" to every inbound unit`)
	autoSend := flag.Int("auto-send-interval", 0, "Send -auto-send-text every N milliseconds (>= 1000)")
	autoSendText := flag.String("auto-send-text", "", "Payload for timed auto send")
	capturePath := flag.String("capture", "", "Record the session to this capture file")
	dumpPath := flag.String("dump", "", "Print a capture file and exit")
	historyDir := flag.String("history-dir", "", "Directory for connection history")
	metricsListen := flag.String("metrics-listen", "", "Expose Prometheus metrics on this address")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (console or json)")
	flag.Parse()

	if *dumpPath != "" {
		if err := dump(*dumpPath, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "dump failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = config.Mode(*mode)
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "buffer":
			cfg.Server.Buffer = *buffer
		case "heartbeat":
			cfg.Server.Heartbeat.Duration = time.Duration(*heartbeat) * time.Second
		case "udp-buffer":
			cfg.UDP.Buffer = *udpBuffer
		case "target":
			cfg.UDP.Target = *target
		case "url":
			cfg.URL = *url
		case "hex-send":
			cfg.Console.HexSend = *hexSend
		case "hex-recv":
			cfg.Console.HexRecv = *hexRecv
		case "auto-answer":
			cfg.Console.AutoAnswer = *autoAnswer
		case "auto-send-interval":
			cfg.Console.AutoSendInterval.Duration = time.Duration(*autoSend) * time.Millisecond
		case "auto-send-text":
			cfg.Console.AutoSendText = *autoSendText
		case "capture":
			cfg.Capture = *capturePath
		case "history-dir":
			cfg.HistoryDir = *historyDir
		case "metrics-listen":
			cfg.Metrics = *metricsListen
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "log-format":
			cfg.Logging.Format = *logFormat
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	log.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("netdebug stopped with error")
		cancel()
		os.Exit(1)
	}
}

// app holds the process-wide collaborators shared by every mode.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	tasks    *taskmgr.Manager
	metrics  telemetry.Collector
	recorder *capture.Recorder

	connections *history.Store
	targets     *history.Store
	lastSent    *history.Store
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.Noop(),
	}

	var taskOpts []taskmgr.Option
	taskOpts = append(taskOpts, taskmgr.WithLogger(logger))
	if d := cfg.Tasks.GracePeriod.Duration; d > 0 {
		taskOpts = append(taskOpts, taskmgr.WithGracePeriod(d))
	}
	if d := cfg.Tasks.IdleTimeout.Duration; d > 0 {
		taskOpts = append(taskOpts, taskmgr.WithIdleTimeout(d))
	}
	if n := cfg.Tasks.BackgroundWorkers; n > 0 {
		taskOpts = append(taskOpts, taskmgr.WithBackgroundWorkers(n))
	}
	a.tasks = taskmgr.New(taskOpts...)
	if err := a.tasks.Start(); err != nil {
		return fmt.Errorf("start task manager: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*taskmgr.DefaultGracePeriod)
		defer cancel()
		if err := a.tasks.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("task manager shutdown")
		}
	}()

	if cfg.Metrics != "" {
		collector, err := telemetry.Default()
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		a.metrics = collector
		stop := serveMetrics(cfg.Metrics, logger)
		defer stop()
	}

	if cfg.HistoryDir != "" {
		var err error
		if a.connections, err = history.Open(cfg.HistoryDir, history.Connections); err != nil {
			return err
		}
		if a.targets, err = history.Open(cfg.HistoryDir, history.UDPTargets); err != nil {
			return err
		}
		if a.lastSent, err = history.Open(cfg.HistoryDir, history.LastSent); err != nil {
			return err
		}
	}

	if cfg.Capture != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Capture), 0o755); err != nil {
			return fmt.Errorf("create capture dir: %w", err)
		}
		rec, err := capture.Create(cfg.Capture)
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close capture file")
			}
		}()
		a.recorder = rec
	}

	switch cfg.Mode {
	case config.ModeTCPClient:
		return a.runTCPClient(ctx)
	case config.ModeTCPServer:
		return a.runTCPServer(ctx)
	case config.ModeUDP:
		return a.runUDP(ctx)
	case config.ModeWSClient:
		return a.runWSClient(ctx)
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

func serveMetrics(addr string, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
