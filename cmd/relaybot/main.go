package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"relaybot/internal/audit"
	"relaybot/internal/auth"
	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/httpx"
	"relaybot/internal/intent"
	"relaybot/internal/metrics"
	"relaybot/internal/relay"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string
)

func main() {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "relaybot",
		Short: "WhatsApp to Dialogflow relay",
		Long:  "relaybot answers the Meta webhook handshake, relays inbound WhatsApp messages through Dialogflow, and logs each exchange to Google Sheets.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.relaybot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("config written", "path", cfgPath)
			fmt.Println("Edit the config and fill in the WhatsApp, Dialogflow, and Google settings before running 'relaybot serve'.")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relaybot", version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, err := auth.LoadKey(cfg.Google.KeyFile)
	if err != nil {
		return fmt.Errorf("load service account key: %w", err)
	}

	client := httpx.NewClient(60 * time.Second)

	tokens := auth.NewTokenCache(auth.TokenCacheConfig{
		Source: auth.NewExchanger(auth.ExchangerConfig{
			Key:      key,
			Scopes:   cfg.Google.Scopes,
			TokenURL: cfg.Google.TokenURL,
			Client:   client,
			Logger:   logger,
		}),
		Timeout: time.Duration(cfg.Timeouts.Credential) * time.Second,
		Logger:  logger,
	})

	resolver := intent.NewDialogflow(intent.DialogflowConfig{
		ProjectID:    cfg.Dialogflow.ProjectID,
		LanguageCode: cfg.Dialogflow.LanguageCode,
		APIBase:      cfg.Dialogflow.APIBase,
		Tokens:       tokens,
		Client:       client,
		Logger:       logger,
	})

	wa := channel.NewWhatsApp(channel.Config{
		WhatsApp: cfg.WhatsApp,
		Client:   client,
		Logger:   logger,
	})

	collector := metrics.NewCollector()

	orchCfg := relay.Config{
		Resolver: resolver,
		Sender:   wa,
		Timeouts: relay.StageTimeouts{
			Intent:   time.Duration(cfg.Timeouts.Intent) * time.Second,
			Delivery: time.Duration(cfg.Timeouts.Delivery) * time.Second,
			Audit:    time.Duration(cfg.Timeouts.Audit) * time.Second,
		},
		Metrics: metrics.NewRelayMetrics(collector),
		Logger:  logger,
	}

	if cfg.Audit.Enabled {
		orchCfg.Audit = audit.NewSheetsLogger(audit.SheetsConfig{
			SpreadsheetID: cfg.Audit.SpreadsheetID,
			Range:         cfg.Audit.Range,
			APIBase:       cfg.Audit.APIBase,
			Tokens:        tokens,
			Client:        client,
			Logger:        logger,
		})
	} else {
		logger.Warn("audit logging disabled")
	}

	if cfg.Dedupe.Enabled {
		dedupe, err := relay.NewSQLiteDedupe(cfg.Dedupe.DBPath,
			time.Duration(cfg.Dedupe.TTLDays)*24*time.Hour, logger)
		if err != nil {
			return fmt.Errorf("open dedupe store: %w", err)
		}
		defer dedupe.Close()
		orchCfg.Dedupe = dedupe
	}

	wa.SetRelay(relay.NewOrchestrator(orchCfg))

	mux := http.NewServeMux()
	wa.Register(mux, cfg.Server.WebhookPath)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	if cfg.Server.Metrics {
		mux.HandleFunc("GET /metrics", collector.Handler())
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("relay server starting",
		"addr", server.Addr,
		"webhook", cfg.Server.WebhookPath,
		"project", cfg.Dialogflow.ProjectID,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("relay server: %w", err)
	}
}

func logLevel(level string) slog.Level {
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
