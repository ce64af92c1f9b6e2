package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-orderbook/internal/auth"
	"github.com/ksred/klear-orderbook/internal/config"
	"github.com/ksred/klear-orderbook/internal/database"
	"github.com/ksred/klear-orderbook/internal/history"
	"github.com/ksred/klear-orderbook/internal/items"
	"github.com/ksred/klear-orderbook/internal/orderbook"
	"github.com/ksred/klear-orderbook/internal/resolver"
	"github.com/ksred/klear-orderbook/internal/telemetry"
	"github.com/ksred/klear-orderbook/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures logging from the raw environment so that configuration
// errors are already printed in the right format
func init() {
	configureLogging(os.Getenv("ENV"), os.Getenv("DEBUG") == "true")
}

// configureLogging enables pretty printing with timestamps outside production
// and debug level when requested
func configureLogging(env string, debug bool) {
	if env != config.EnvProduction {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		zlog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// app holds the wired services behind the HTTP API
type app struct {
	authService      *auth.Service
	ledger           *history.Ledger
	orderBookService *orderbook.Service
	historyService   *history.Service
	itemService      *items.Service
}

// newApp wires every service onto db. Item references are resolved over HTTP
// when a resolver base URL is configured, otherwise from the local item store.
func newApp(cfg config.Config, db *gorm.DB) (*app, error) {
	itemService := items.NewService(db)

	var itemResolver resolver.Resolver = items.NewLocalResolver(itemService)
	if cfg.Resolver.BaseURL != "" {
		httpResolver, err := resolver.NewHTTPResolver(cfg.Resolver.BaseURL, cfg.Resolver.Timeout, cfg.Resolver.MaxTries)
		if err != nil {
			return nil, err
		}
		itemResolver = httpResolver
		zlog.Info().Str("base_url", cfg.Resolver.BaseURL).Msg("resolving items over HTTP")
	}

	ledger := history.NewLedger(db)
	return &app{
		authService:      auth.NewService(cfg.Auth),
		ledger:           ledger,
		orderBookService: orderbook.NewService(db, ledger),
		historyService:   history.NewService(ledger, history.NewReconstructor(itemResolver, cfg.Resolver.Concurrency)),
		itemService:      itemService,
	}, nil
}

// main initializes and runs the order book API server with graceful shutdown support
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	configureLogging(cfg.Env, cfg.Debug)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry, cfg.Env)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	a, err := newApp(cfg, db)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize services")
	}

	// Start background workers
	go history.NewAuditor(a.ledger, cfg.Audit.Interval).Start(ctx)

	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	go limiter.Run(ctx)

	router := gin.Default()
	router.Use(limiter.Middleware())
	setupRoutes(router, a)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	cancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Failed to flush metrics")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// - Auth routes: public token issuance
// - Order book and item writes: protected by JWT authentication
// - Reads: public
// Item reads are also mounted at the root so stored references such as
// /executions/9 resolve against this server.
func setupRoutes(router *gin.Engine, a *app) {
	authHandlers := auth.NewGinHandlers(a.authService)
	orderBookHandlers := orderbook.NewGinHandlers(a.orderBookService)
	historyHandlers := history.NewGinHandlers(a.historyService)
	itemHandlers := items.NewGinHandlers(a.itemService)
	jwtAuth := middleware.JWTAuth(a.authService, auth.PermissionWrite)

	itemKinds := []items.Kind{items.KindMarketOrder, items.KindLimitOrder, items.KindExecution}

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order book routes
		books := v1.Group("/orderBooks")
		{
			books.GET("", orderBookHandlers.ListOrderBooksHandler())
			books.GET("/:id", orderBookHandlers.GetOrderBookHandler())
			books.GET("/:id/histories", historyHandlers.ListOrderBookHistoriesHandler())

			books.POST("", jwtAuth, orderBookHandlers.CreateOrderBookHandler())
			books.PATCH("/:id", jwtAuth, orderBookHandlers.UpdateStatusHandler())
			books.PUT("/:id/order", jwtAuth, orderBookHandlers.SubmitHandler(orderbook.SubmissionOrder))
			books.PUT("/:id/execution", jwtAuth, orderBookHandlers.SubmitHandler(orderbook.SubmissionExecution))
		}

		v1.GET("/orderHistories", historyHandlers.ListHistoriesHandler())

		// Item routes
		for _, kind := range itemKinds {
			group := v1.Group("/" + string(kind))
			group.POST("", jwtAuth, itemHandlers.CreateHandler(kind))
			group.GET("/:id", itemHandlers.GetHandler(kind))
		}
	}

	for _, kind := range itemKinds {
		router.GET("/"+string(kind)+"/:id", itemHandlers.GetHandler(kind))
	}
}
