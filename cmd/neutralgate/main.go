// Package main is the entry point for the neutralgate binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ineyio/neutralgate"
	"github.com/ineyio/neutralgate/license"
	"github.com/ineyio/neutralgate/logging"
	"github.com/ineyio/neutralgate/meter"
	"github.com/ineyio/neutralgate/provider/anthropic"
	"github.com/ineyio/neutralgate/provider/gemini"
	"github.com/ineyio/neutralgate/provider/openaicompat"
	"github.com/ineyio/neutralgate/server"
	"github.com/ineyio/neutralgate/store/memory"
	pgstore "github.com/ineyio/neutralgate/store/postgres"
	redisstore "github.com/ineyio/neutralgate/store/redis"
)

const shutdownTimeout = 10 * time.Second

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "neutralgate",
		Short: "Side-by-side LLM comparison backend",
		Long: `neutralgate fans one prompt out to several LLM providers and returns their
answers side by side, gated by plan, license token and a daily quota.

Example:
  neutralgate serve --config neutralgate.yaml`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newHashKeyCmd(), newVersionCmd())
	return root
}

type serveOptions struct {
	configPath string
	envFile    string
	listen     string
	logLevel   string
	logFormat  string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "Dotenv file loaded before the config")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Listen address, overrides the config")
	cmd.Flags().StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "", "Log format (json, text)")
	return cmd
}

func newHashKeyCmd() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "hash-key KEY",
		Short: "Print the HMAC digest and license id of an activation key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("LICENSE_HASH_SECRET")
			}
			if secret == "" {
				return errors.New("a hash secret is required (--secret or LICENSE_HASH_SECRET)")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "digest:     %s\n", license.HashKey(secret, args[0]))
			fmt.Fprintf(out, "license_id: %s\n", license.LicenseID(args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret matching license.hash_secret")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "neutralgate", version)
		},
	}
}

// loadConfig loads the dotenv file, the config file and the flag overrides.
func loadConfig(opts *serveOptions) (neutralgate.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return neutralgate.Config{}, fmt.Errorf("load %s: %w", opts.envFile, err)
		}
	}

	cfg, err := neutralgate.LoadConfig(opts.configPath)
	if err != nil {
		return neutralgate.Config{}, err
	}
	applyFlags(&cfg, opts)
	if err := cfg.Validate(); err != nil {
		return neutralgate.Config{}, err
	}
	return cfg, nil
}

func applyFlags(cfg *neutralgate.Config, opts *serveOptions) {
	if opts.listen != "" {
		cfg.Server.Listen = opts.listen
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}
}

func runServe(ctx context.Context, opts *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	counters, sets, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to open store", "backend", cfg.Store.Backend, "error", err)
		return err
	}
	defer closeStore()

	prom := meter.NewPromMeter()
	m := meter.Multi{meter.NewLogMeter(logger), prom}

	comps := server.NewComponents(cfg, buildProviders(cfg), counters, sets, m, logger)
	srv := server.New(cfg, comps, server.WithLogger(logger), server.WithPromMeter(prom))

	go comps.Ledger.Run(ctx, cfg.Quota.SweepInterval)

	if opts.configPath != "" {
		go func() {
			err := neutralgate.WatchConfig(ctx, opts.configPath, logger, func(next neutralgate.Config) {
				applyFlags(&next, opts)
				srv.Reload(next)
				prom.RecordConfigReload(true)
			})
			if err != nil {
				logger.Warn("config watcher stopped", "error", err)
				prom.RecordConfigReload(false)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting neutralgate",
			"listen", cfg.Server.Listen,
			"store", cfg.Store.Backend,
			"free_daily_limit", cfg.Quota.FreeDailyLimit,
			"version", version,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore connects the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg neutralgate.StoreConfig) (neutralgate.CounterStore, neutralgate.SetStore, func(), error) {
	switch cfg.Backend {
	case neutralgate.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		st := redisstore.New(client, redisstore.WithKeyPrefix(cfg.KeyPrefix))
		return st, st, func() { _ = client.Close() }, nil

	case neutralgate.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		st := pgstore.New(pool)
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		return st, st, pool.Close, nil

	default:
		st := memory.New()
		return st, st, func() {}, nil
	}
}

// buildProviders creates one adapter per known provider.
func buildProviders(cfg neutralgate.Config) []neutralgate.Provider {
	client := &http.Client{Timeout: 2 * time.Minute}
	base := func(id neutralgate.ProviderID) string { return cfg.Providers[id].BaseURL }

	return []neutralgate.Provider{
		openaicompat.NewOpenAI(
			openaicompat.WithHTTPClient(client),
			openaicompat.WithBaseURL(base(neutralgate.ProviderOpenAI)),
		),
		gemini.New(
			gemini.WithHTTPClient(client),
			gemini.WithBaseURL(base(neutralgate.ProviderGemini)),
		),
		anthropic.New(
			anthropic.WithHTTPClient(client),
			anthropic.WithBaseURL(base(neutralgate.ProviderClaude)),
		),
	}
}
