package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cohort/cohort/internal/config"
	"github.com/cohort/cohort/internal/domain/cohort"
	"github.com/cohort/cohort/internal/domain/conversation"
	"github.com/cohort/cohort/internal/domain/dimension"
	"github.com/cohort/cohort/internal/platform/auth"
	"github.com/cohort/cohort/internal/platform/middleware"
	"github.com/cohort/cohort/internal/platform/nlq"
	"github.com/cohort/cohort/internal/platform/schemacat"
	"github.com/cohort/cohort/internal/platform/warehouse"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cohort-server",
		Short: "Conversational cohort building API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dimensionsCmd())
	rootCmd.AddCommand(schemaCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the cohort API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func dimensionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dimensions",
		Short: "Print the dimension registry",
		Run: func(cmd *cobra.Command, args []string) {
			for _, spec := range dimension.DefaultRegistry() {
				fmt.Printf("%-14s columns=%s purposes=%s\n",
					spec.Name,
					strings.Join(spec.RequiredOutputColumns, ","),
					strings.Join(spec.SourcePurposes, ","))
			}
		},
	}
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Schema catalog operations",
	}

	warmCmd := &cobra.Command{
		Use:   "warm",
		Short: "Pre-warm the schema catalog cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := warehouse.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			pg := warehouse.NewPG(pool)
			catalog := schemacat.New(pg, cfg.SchemaCacheTTL, cfg.DiscoveryTimeout, logger)
			entry, err := catalog.Get(ctx, cfg.WarehouseCatalog, cfg.WarehouseSchema)
			if err != nil {
				return err
			}

			fmt.Printf("discovered %d tables in %s\n", len(entry.Tables), entry.Key)
			for _, t := range entry.Tables {
				fmt.Printf("  %-30s %s\n", t.Name, strings.Join(t.Purposes, ","))
			}
			return nil
		},
	}

	cmd.AddCommand(warmCmd)
	return cmd
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := warehouse.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to warehouse")
	}
	defer pool.Close()
	logger.Info().Msg("connected to warehouse")

	pg := warehouse.NewPG(pool)
	catalog := schemacat.New(pg, cfg.SchemaCacheTTL, cfg.DiscoveryTimeout, logger)
	materializer := cohort.NewMaterializer(pg, cfg.CohortSchema, logger)

	resolver := nlq.NewHTTPResolver(cfg.ResolverURL, cfg.ExternalCallTimeout, logger)
	generator := nlq.NewHTTPGenerator(cfg.GeneratorURL, cfg.ExternalCallTimeout, logger)
	intents := nlq.NewHTTPIntentExtractor(cfg.IntentURL, cfg.ExternalCallTimeout, logger)

	engine := dimension.NewEngine(
		generator, pg, catalog,
		cfg.WarehouseCatalog, cfg.WarehouseSchema, cfg.CohortSchema,
		cfg.DimensionWorkers, logger,
	)

	store := conversation.NewStore()
	orchestrator := conversation.NewOrchestrator(conversation.Deps{
		Store:              store,
		Intents:            intents,
		Resolver:           resolver,
		Generator:          generator,
		Materializer:       materializer,
		Engine:             engine,
		Executor:           pg,
		Registry:           dimension.DefaultRegistry(),
		ResolverMaxResults: cfg.ResolverMaxResults,
		SearchConcurrency:  cfg.SearchConcurrency,
		Log:                logger,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(cfg.AuthSigningKey))
	}

	// API group with rate limiting
	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	conversation.NewHandler(orchestrator, store).RegisterRoutes(apiV1)

	// Start server with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	return nil
}
