// Package main is the entry point for the SMTP relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/smtp-relay/internal/config"
	"github.com/shineum/smtp-relay/internal/provider"
	"github.com/shineum/smtp-relay/internal/provider/graph"
	"github.com/shineum/smtp-relay/internal/provider/ses"
	"github.com/shineum/smtp-relay/internal/provider/stdout"
	"github.com/shineum/smtp-relay/internal/queue"
	"github.com/shineum/smtp-relay/internal/smtp"
	"github.com/shineum/smtp-relay/internal/stats"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	envFile := flag.String("env-file", "", "path to a .env file loaded before reading the environment (optional)")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		slog.Error("smtp-relay failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return err
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := newLogger(cfg.Logging.Level)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	prov, err := selectProvider(ctx, cfg, log)
	if err != nil {
		return err
	}

	q := queue.New(queue.Options{
		MaxSize:          cfg.Queue.MaxSize,
		MaxRetryAttempts: cfg.Queue.MaxRetryAttempts,
		RetryDelay:       cfg.Queue.RetryDelay,
		CountTerminal:    cfg.Queue.CountTerminal,
	})
	store := stats.NewStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		stats.NewCollector(store, q.Depth),
	)
	smtpMetrics := stats.NewSMTPMetrics(reg)

	processor := queue.NewProcessor(q, prov, store, queue.ProcessorOptions{
		PollInterval: cfg.Queue.PollInterval,
		SendTimeout:  cfg.Queue.SendTimeout,
		Retention:    cfg.Queue.Retention,
	}, log)

	creds := make([]smtp.Credential, 0, len(cfg.Credentials()))
	for _, c := range cfg.Credentials() {
		creds = append(creds, smtp.Credential{Username: c.Username, Password: c.Password})
	}
	server := smtp.New(smtp.ServerConfig{
		ListenAddr:      cfg.SMTP.Listen,
		Hostname:        cfg.SMTP.Hostname,
		MaxMessageSize:  cfg.SMTP.MaxMessageSize,
		MaxRecipients:   cfg.SMTP.MaxRecipients,
		Auth:            smtp.NewAuthenticator(cfg.AuthRequired(), creds),
		ReadTimeout:     cfg.SMTP.ReadTimeout,
		ShutdownTimeout: cfg.SMTP.ShutdownTimeout,
	}, q, smtpMetrics, log.With("component", "smtp"))

	log.Info("starting smtp-relay",
		"listen", cfg.SMTP.Listen,
		"provider", prov.Name(),
		"auth_required", cfg.AuthRequired(),
		"queue_max_size", cfg.Queue.MaxSize,
		"max_retry_attempts", cfg.Queue.MaxRetryAttempts,
		"retry_delay", cfg.Queue.RetryDelay,
	)

	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		processor.Run(ctx)
	}()

	metricsDone := make(chan struct{})
	if cfg.Metrics.Listen != "" {
		go func() {
			defer close(metricsDone)
			serveMetrics(ctx, cfg.Metrics, reg, log)
		}()
	} else {
		close(metricsDone)
	}

	// Blocks until the context is cancelled or the bind fails.
	serveErr := server.ListenAndServe(ctx)
	if serveErr != nil {
		stop()
	}

	<-processorDone
	<-metricsDone

	global := store.Global()
	log.Info("smtp-relay stopped",
		"sent", global.Sent,
		"failed", global.Failed,
		"undelivered", q.Depth(),
	)
	return serveErr
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// newLogger builds the JSON logger used by every component.
func newLogger(level string) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	return slog.New(handler)
}

// selectProvider builds the delivery backend named by the configuration,
// auto-detecting it when none is named.
func selectProvider(ctx context.Context, cfg *config.Config, log *slog.Logger) (provider.Provider, error) {
	name := cfg.ResolveProvider()
	detected := cfg.Provider == ""

	switch name {
	case config.ProviderSES:
		log.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
			"auto_detected", detected,
		)
		p, err := ses.New(ctx, ses.Config{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			Sender:           cfg.SES.Sender,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderGraph:
		log.Info("using Microsoft Graph provider",
			"sender", cfg.Graph.Sender,
			"auto_detected", detected,
		)
		return graph.New(graph.Config{
			TenantID:        cfg.Graph.TenantID,
			ClientID:        cfg.Graph.ClientID,
			ClientSecret:    cfg.Graph.ClientSecret,
			Sender:          cfg.Graph.Sender,
			SaveToSentItems: cfg.Graph.SaveToSentItems,
			Timeout:         cfg.Graph.Timeout,
		}, log.With("provider", "msgraph")), nil

	case config.ProviderStdout:
		log.Info("using stdout provider", "auto_detected", detected)
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// serveMetrics exposes reg over HTTP until ctx is cancelled.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, reg *prometheus.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown", "error", err)
		}
	}()

	log.Info("metrics server listening", "addr", cfg.Listen, "path", cfg.Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", "error", err)
	}
}
