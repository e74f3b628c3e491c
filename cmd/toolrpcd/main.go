// Command toolrpcd runs the tool server over stdio, with an optional HTTP
// binding on the side.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/hyperionlab/toolrpc"
	"github.com/hyperionlab/toolrpc/servers/textkit"
)

func main() {
	configPath := pflag.String("config", "", "path to a yaml/json/jsonc config file")
	httpAddr := pflag.String("http", "", "enable the HTTP binding on this address")
	auditPath := pflag.String("audit", "", "path of the audit log file")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	if err := run(*configPath, *httpAddr, *auditPath, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, httpAddr, auditPath, logLevel string) error {
	// The protocol owns stdout; all logging goes to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(logLevel),
	}))
	slog.SetDefault(logger)

	cfg, err := toolrpc.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if auditPath != "" {
		cfg.Audit.Path = auditPath
	}

	info := toolrpc.Info{Name: cfg.Server.Name, Version: cfg.Server.Version}
	if info.Name == "" {
		info.Name = "toolrpcd"
	}
	if info.Version == "" {
		info.Version = "dev"
	}

	sanitizer, err := toolrpc.NewSanitizer()
	if err != nil {
		return err
	}

	var audit *toolrpc.AuditLogger
	if cfg.Audit.Path != "" {
		f, err := os.OpenFile(cfg.Audit.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer f.Close()
		audit = toolrpc.NewAuditLogger(f, sanitizer)
	} else {
		audit = toolrpc.NewAuditLogger(io.Discard, sanitizer)
	}

	registry := toolrpc.NewRegistry(toolrpc.WithRegistryLogger(logger))
	for _, tool := range textkit.Tools() {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}

	cancels := toolrpc.NewCancelRegistry(toolrpc.DefaultCancelCapacity)
	feed := toolrpc.NewEventFeed()

	dispatcherOpts := []toolrpc.DispatcherOption{
		toolrpc.WithSanitizer(sanitizer),
		toolrpc.WithAuditLogger(audit),
		toolrpc.WithEventFeed(feed),
		toolrpc.WithDispatcherLogger(logger),
	}

	if cfg.RateLimit.Enabled {
		limiter, err := toolrpc.NewRateLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
		if err != nil {
			return err
		}
		dispatcherOpts = append(dispatcherOpts, toolrpc.WithRateLimiter(limiter))
	}

	if cfg.Breaker.Enabled {
		var breakerOpts []toolrpc.CircuitBreakerOption
		if cfg.Breaker.MinSamples > 0 {
			breakerOpts = append(breakerOpts, toolrpc.WithBreakerMinSamples(cfg.Breaker.MinSamples))
		}
		if cfg.Breaker.FailureRatio > 0 {
			breakerOpts = append(breakerOpts, toolrpc.WithBreakerFailureRatio(cfg.Breaker.FailureRatio))
		}
		if cfg.Breaker.CooldownSeconds > 0 {
			breakerOpts = append(breakerOpts,
				toolrpc.WithBreakerCooldown(time.Duration(cfg.Breaker.CooldownSeconds)*time.Second))
		}
		dispatcherOpts = append(dispatcherOpts, toolrpc.WithCircuitBreaker(toolrpc.NewCircuitBreaker(breakerOpts...)))
	}

	dispatcher := toolrpc.NewDispatcher(info, registry, cancels, dispatcherOpts...)

	var decoderOpts []toolrpc.DecoderOption
	if cfg.Framing.MaxMessageSize > 0 {
		decoderOpts = append(decoderOpts, toolrpc.WithMaxMessageSize(cfg.Framing.MaxMessageSize))
	}
	if cfg.Framing.StallTimeoutSeconds > 0 {
		decoderOpts = append(decoderOpts,
			toolrpc.WithStallTimeout(time.Duration(cfg.Framing.StallTimeoutSeconds)*time.Second))
	}

	transport := toolrpc.NewStdIO(os.Stdin, os.Stdout,
		toolrpc.WithStdIOLogger(logger),
		toolrpc.WithStdIODecoder(decoderOpts...))
	transport.WatchSignals()

	srv := toolrpc.NewServer(dispatcher, transport, toolrpc.WithServerLogger(logger))

	if cfg.HTTP.Addr != "" {
		batchOpts := []toolrpc.BatchOption{
			toolrpc.WithBatchLogger(logger),
			toolrpc.WithBatchSanitizer(sanitizer),
			toolrpc.WithBatchEventFeed(feed),
		}
		if cfg.Batch.ChunkSize > 0 {
			batchOpts = append(batchOpts, toolrpc.WithBatchChunkSize(cfg.Batch.ChunkSize))
		}
		if cfg.Batch.MaxBatchSize > 0 {
			batchOpts = append(batchOpts, toolrpc.WithMaxBatchSize(cfg.Batch.MaxBatchSize))
		}
		batch := toolrpc.NewBatchExecutor(registry, batchOpts...)

		httpSrv := toolrpc.NewHTTPServer(cfg.HTTP.Addr, dispatcher,
			toolrpc.WithHTTPBatchExecutor(batch),
			toolrpc.WithHTTPEventFeed(feed),
			toolrpc.WithHTTPLogger(logger))

		go func() {
			if err := httpSrv.Start(); err != nil {
				logger.Error("http server failed", slog.String("err", err.Error()))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(ctx); err != nil {
				logger.Error("http shutdown failed", slog.String("err", err.Error()))
			}
		}()
	}

	logger.Info("server started",
		slog.String("name", info.Name),
		slog.String("version", info.Version),
		slog.Int("tools", registry.Len()))

	srv.Serve()
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
