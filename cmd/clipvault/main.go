// Command clipvault runs the snippet storage service.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"time"

	"clipvault/cmd/clipvault/cli"
	"clipvault/internal/auth"
	"clipvault/internal/compress"
	"clipvault/internal/config"
	"clipvault/internal/janitor"
	"clipvault/internal/logging"
	"clipvault/internal/pipeline"
	"clipvault/internal/recency"
	"clipvault/internal/server"
	"clipvault/internal/snippet"
	"clipvault/internal/store"
	"clipvault/internal/workpool"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	// Create base logger with ComponentFilterHandler for dynamic log level control.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "clipvault",
		Short: "Snippet storage service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060). WARNING: exposes CPU/memory profiles and goroutine dumps, bind to loopback only, never expose publicly")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the clipvault service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			applyServeFlags(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, cfg)
		},
	}

	serveCmd.Flags().String("addr", "", "listen address (host:port)")
	serveCmd.Flags().String("db", "", "sqlite database path")
	serveCmd.Flags().String("redis", "", "redis address (host:port)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, cli.NewUserCommand(), versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// applyServeFlags overlays explicit serve flags on cfg. Flags win over
// environment variables.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.Server.DBPath = v
	}
	if v, _ := cmd.Flags().GetString("redis"); v != "" {
		cfg.Redis.Addr = v
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	server.Version = version

	// Open the snippet store.
	st, err := store.New(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store open", "path", cfg.Server.DBPath)

	// Connect to redis for the recency queues. Fail fast on an
	// unreachable instance rather than erroring on the first request.
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = client.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("redis connected", "addr", cfg.Redis.Addr)

	codec, err := compress.New(cfg.Snippets.Compression)
	if err != nil {
		return err
	}

	// Shared compute pool, chunk pipeline, recency queues.
	pool := workpool.New(cfg.Workers.PoolSize, cfg.Workers.PoolQueueDepth, logger)
	defer pool.Close()
	pipe := pipeline.New(pool, codec, cfg.Snippets.ChunkSizeBytes, cfg.Snippets.SearchBoundaryOverlapCap, logger)
	queue := recency.New(client, cfg.Snippets.RecencyCap, cfg.Redis.OpTimeout, logger)

	svc := snippet.New(snippet.Config{
		Store:             st,
		Recency:           queue,
		Pipeline:          pipe,
		Pool:              pool,
		Limits:            cfg.Snippets,
		AsyncWorkers:      cfg.Workers.AsyncWorkers,
		AsyncQueueDepth:   cfg.Workers.AsyncQueueDepth,
		AsyncWriteTimeout: cfg.Workers.AsyncWriteTimeout,
		Logger:            logger,
	})

	tokens, err := buildTokenService(cfg.Auth, logger)
	if err != nil {
		return err
	}

	jan, err := janitor.New(st, queue, cfg.Janitor, logger)
	if err != nil {
		return fmt.Errorf("build janitor: %w", err)
	}

	srv := server.New(svc, st, tokens, server.Config{
		Logger:    logger,
		Limits:    cfg.Snippets,
		RateLimit: cfg.Auth.RateLimit,
		RateBurst: cfg.Auth.RateBurst,
	})

	logger.Info("starting",
		"version", version,
		"addr", cfg.Server.Addr,
		"compression", cfg.Snippets.Compression,
		"chunk_size", cfg.Snippets.ChunkSizeBytes,
		"max_snippet_bytes", cfg.Snippets.MaxSnippetBytes,
		"max_snippets_per_user", cfg.Snippets.MaxSnippetsPerUser)

	jan.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ServeTCP(cfg.Server.Addr); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Shutdown signal or a failed listener, whichever comes first.
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Info("stopping server")
		return srv.Stop(stopCtx)
	})
	runErr := g.Wait()

	// Unwind in dependency order: the janitor touches store and redis,
	// and queued persist jobs must drain before the store closes.
	logger.Info("stopping janitor")
	if err := jan.Stop(); err != nil {
		logger.Error("janitor stop error", "error", err)
	}

	logger.Info("draining persist queue")
	svc.Stop()

	if runErr != nil {
		return runErr
	}
	logger.Info("shutdown complete")
	return nil
}

// buildTokenService derives the signing secret for access tokens. An
// empty configured secret gets a random ephemeral one, which invalidates
// every outstanding token on restart.
func buildTokenService(cfg config.Auth, logger *slog.Logger) (*auth.TokenService, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		logger.Warn("CLIPVAULT_JWT_SECRET not set, using an ephemeral signing secret; tokens will not survive a restart")
	}
	return auth.NewTokenService(secret, cfg.TokenTTL), nil
}
