package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	go2tvadapters "go2tv.app/cast-router/internal/adapters/go2tv"
	"go2tv.app/cast-router/internal/buildinfo"
	"go2tv.app/cast-router/internal/castsession"
	"go2tv.app/cast-router/internal/config"
	"go2tv.app/cast-router/internal/diagnostics"
	"go2tv.app/cast-router/internal/discovery"
	"go2tv.app/cast-router/internal/eventloop"
	"go2tv.app/cast-router/internal/hub"
	"go2tv.app/cast-router/internal/lifecycle"
	"go2tv.app/cast-router/internal/mcpserver"
	"go2tv.app/cast-router/internal/metrics"
	"go2tv.app/cast-router/internal/router"
	"go2tv.app/cast-router/internal/routes"
)

const serverName = "cast-router"

type selfTestOutput struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
	Go2TVAdapters struct {
		DiscoveryWired bool `json:"discovery_wired"`
		CastWired      bool `json:"cast_wired"`
	} `json:"go2tv_adapters"`
	Config  config.Config             `json:"config"`
	Network diagnostics.NetworkReport `json:"network"`
}

func main() {
	selfTest := flag.Bool("self-test", false, "run configuration and network diagnostics then exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", os.Getenv("CAST_ROUTER_CONFIG"), "path to a YAML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	bundle := go2tvadapters.NewBundle()

	if *selfTest {
		out := selfTestOutput{
			Config:  cfg,
			Network: diagnostics.DetectNetwork(),
		}
		out.Server.Name = serverName
		out.Server.Version = buildinfo.Version
		out.Go2TVAdapters.DiscoveryWired = bundle.Discovery != nil
		out.Go2TVAdapters.CastWired = bundle.CastConns != nil

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(out); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	runCtx, stopSignals := lifecycle.NotifyContext(context.Background())
	defer stopSignals()

	logLevel := parseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Info(
		"mcp_server_start",
		slog.String("server", serverName),
		slog.String("version", buildinfo.Version),
		slog.String("log_level", logLevel.String()),
	)

	m := metrics.New(metrics.DefaultNamespace)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(runCtx, cfg.MetricsAddr, logger); err != nil {
				logger.Error("metrics_server_failed", slog.String("error", err.Error()))
			}
		}()
	}

	loop := eventloop.New(logger)
	discoverySvc := discovery.NewService(bundle.Discovery, runCtx, cfg.DiscoveryTimeout)
	sessions := castsession.NewManager(castsession.Config{
		Logger:            logger.With("component", "castsession"),
		Conns:             bundle.CastConns,
		Post:              loop.Post,
		LaunchTimeout:     cfg.LaunchTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Retry:             castsession.RetryPolicy{Attempts: cfg.ConnectAttempts},
	})
	routeHub := hub.New(hub.Config{
		Logger:   logger.With("component", "hub"),
		Metrics:  m,
		QueueCap: cfg.QueueCap,
	})
	provider := router.NewProvider(sessions, routeHub, router.Config{
		Logger:           logger.With("component", "router"),
		RequestTableCap:  cfg.RequestTableCap,
		LastRemovedTTL:   cfg.LastRemovedTTL,
		Discovery:        discoverySvc,
		Post:             loop.Post,
		DiscoveryTimeout: cfg.DiscoveryTimeout,
	})
	routeManager := routes.NewManager(routes.Config{
		Logger:       logger,
		Loop:         loop,
		Provider:     provider,
		Hub:          routeHub,
		Sessions:     sessions,
		Discovery:    discoverySvc,
		RouteTimeout: cfg.RouteTimeout,
	})

	srv := mcpserver.New(os.Stdin, os.Stdout, mcpserver.Config{
		ServerName:    serverName,
		ServerVersion: buildinfo.Version,
		Logger:        logger,
		Metrics:       m,
		Sinks:         routeManager,
		Routes:        routeManager,
	})

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- srv.Run(runCtx)
	}()

	var runErr error
	select {
	case runErr = <-runErrCh:
	case <-runCtx.Done():
		runErr = runCtx.Err()
	}
	if runErr != nil {
		logger.Warn("mcp_server_stopping", slog.String("reason", runErr.Error()))
	} else {
		logger.Info("mcp_server_stopping", slog.String("reason", "clean_eof"))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	closeErr := routeManager.Close(shutdownCtx)
	loop.Close()
	if closeErr != nil {
		fmt.Fprintln(os.Stderr, closeErr)
		os.Exit(1)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "invalid log level %q; defaulting to info\n", raw)
		return slog.LevelInfo
	}
}
