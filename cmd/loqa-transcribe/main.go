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
	"strings"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/loqalabs/loqa-transcribe/internal/capture/sdlmic"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	if opts.showVersion {
		fmt.Println(version)
		return
	}

	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		bootstrap.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	opts.apply(&cfg)
	if err := config.Validate(cfg); err != nil {
		bootstrap.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logOut := logWriter(cfg.Telemetry)
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	rt := runtime.New(cfg, logger, sdlmic.NewBackend(cfg.Capture.Device), runtime.WithOutput(os.Stdout, logOut))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

type options struct {
	configPath    string
	modelID       string
	recordSeconds int
	showVersion   bool
	set           map[string]bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("loqa-transcribe", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.modelID, "model_id", "", "Model identifier: a bundle directory or registry id")
	fs.IntVar(&opts.recordSeconds, "record_seconds", 10, "Seconds of audio per clip")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return opts, nil
}

// apply lets explicitly passed flags win over file and environment.
func (o options) apply(cfg *config.Config) {
	if o.set["model_id"] {
		cfg.Model.ID = o.modelID
	}
	if o.set["record_seconds"] {
		cfg.Capture.RecordSeconds = o.recordSeconds
	}
}

func logWriter(cfg config.TelemetryConfig) io.Writer {
	if cfg.LogFile == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    32, // MB
		MaxBackups: 3,
		MaxAge:     14,
		Compress:   true,
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
