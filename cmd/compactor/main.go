package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/INLOpen/rawbatch/compaction"
	"github.com/INLOpen/rawbatch/config"
	"github.com/INLOpen/rawbatch/hooks"
	"github.com/INLOpen/rawbatch/hooks/listeners"
	"github.com/INLOpen/rawbatch/ledger"
	"github.com/INLOpen/rawbatch/rawbatch"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider.
// It sets up an exporter based on the configuration to send traces to a collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("rawbatch-compactor")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

func main() {
	os.Exit(compactorMain(os.Args[1:]))
}

// compactorMain runs the command and returns its exit code, so deferred
// cleanup runs before the process exits.
func compactorMain(args []string) int {
	fs := flag.NewFlagSet("compactor", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to the configuration file")
	inPath := fs.String("in", "", "Ledger segment to compact (required)")
	outPath := fs.String("out", "", "Path of the compacted segment (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *inPath == "" || *outPath == "" {
		fmt.Println("Usage: compactor -in <segment> -out <compacted segment> [-config config.yaml]")
		fs.PrintDefaults()
		return 1
	}
	if filepath.Clean(*inPath) == filepath.Clean(*outPath) {
		fmt.Println("compactor: -in and -out must name different files")
		return 1
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		return 1
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		return 1
	}
	defer tracerCleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *inPath, *outPath, tp, logger); err != nil {
		logger.Error("Compaction failed", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg *config.Config, inPath, outPath string, tp *sdktrace.TracerProvider, logger *slog.Logger) (err error) {
	in, err := ledger.OpenSegment(inPath)
	if err != nil {
		return err
	}
	header := in.Header()
	if err := in.Close(); err != nil {
		return err
	}

	out, err := ledger.CreateSegment(outPath, header.LedgerID, ledger.WriterOptions{
		Preallocate: cfg.Ledger.PreallocateBytes,
		LockTimeout: config.ParseDuration(cfg.Ledger.LockTimeout, 5*time.Second, logger),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		if err != nil {
			// Drop the partial output.
			_ = os.Remove(outPath)
		}
	}()

	hookManager := hooks.NewHookManager(logger.With("component", "HookManager"))
	defer hookManager.Stop()
	hookManager.Register(hooks.EventPostRebatch, listeners.NewRetentionListener(logger, 0.1))

	var metrics *compaction.Metrics
	if cfg.Compaction.MetricPrefix != "" {
		metrics = compaction.NewMetrics(cfg.Compaction.MetricPrefix)
	}

	tracer := tp.Tracer("rawbatch")
	compactor := compaction.NewCompactor(compaction.Options{
		Concurrency:    cfg.Compaction.Concurrency,
		ChunkSize:      cfg.Compaction.ChunkSize,
		VerifyChecksum: cfg.Compaction.VerifyChecksum,
		Converter:      rawbatch.NewConverter(rawbatch.Options{Logger: logger, Tracer: tracer}),
		HookManager:    hookManager,
		Metrics:        metrics,
		Logger:         logger,
		Tracer:         tracer,
	})

	stats, err := compactor.Compact(ctx, ledger.FileSource{Path: inPath}, out)
	if err != nil {
		return err
	}
	logger.Info("Compacted segment written",
		"in", inPath,
		"out", outPath,
		"ledger_id", header.LedgerID,
		"unique_keys", stats.UniqueKeys,
		"entries_written", stats.EntriesWritten,
		"entries_dropped", stats.EntriesDropped,
		"retention_p10", stats.RetentionQuantile(0.1),
		"retention_p90", stats.RetentionQuantile(0.9),
		"duration", stats.Duration,
	)
	return nil
}
