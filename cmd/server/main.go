package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/tickerarena/internal/config"
	"github.com/tickerarena/internal/fx"
	"github.com/tickerarena/internal/handler"
	"github.com/tickerarena/internal/middleware"
	"github.com/tickerarena/internal/models"
	"github.com/tickerarena/internal/oracle"
	"github.com/tickerarena/internal/repository"
	"github.com/tickerarena/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Build info (injected at build time via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set up rotating file logs
	if err := middleware.InitLogger("logs"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Set Gin mode
	gin.SetMode(cfg.Server.Mode)

	// Initialize database
	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize Redis
	rdb := initRedis(cfg)

	// Auto migrate database
	if err := autoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	positionRepo := repository.NewPositionRepository(db)
	txRepo := repository.NewTransactionRepository(db)

	// Currency conversion into the base ledger currency
	converter := fx.NewConverter(cfg.Trading.BaseCurrency, cfg.Trading.FxRates)

	// Quote oracle: streaming feed with redis cache and REST fallback
	feed := oracle.NewFeed(cfg.Oracle.FeedURL, cfg.Oracle.RestURL)
	quoteService := oracle.NewQuoteService(rdb, feed, cfg.Oracle.StalenessMillis)

	// Initialize services
	authService := service.NewAuthService(userRepo, cfg.JWT)
	portfolioService := service.NewPortfolioService(
		userRepo,
		positionRepo,
		txRepo,
		quoteService,
		converter,
		cfg.Trading,
	)
	challengeReporter := service.NewRedisChallengeReporter(rdb, cfg.Trading.ChallengeChannel)
	settlementService := service.NewSettlementService(
		db,
		userRepo,
		positionRepo,
		txRepo,
		portfolioService,
		converter,
		cfg.Trading.LockDuration(),
		challengeReporter,
	)

	var paymentVerifier service.PaymentVerifier
	if cfg.Payments.VerifyURL != "" {
		paymentVerifier = service.NewHTTPPaymentVerifier(cfg.Payments.VerifyURL)
	}
	resetService := service.NewResetService(userRepo, portfolioService, cfg.Trading, paymentVerifier)

	// Initialize handlers
	authHandler := handler.NewAuthHandler(authService)
	tradeHandler := handler.NewTradeHandler(settlementService, portfolioService, txRepo, quoteService)
	resetHandler := handler.NewResetHandler(resetService)
	priceHandler := handler.NewPriceHandler(quoteService)

	// Create Gin router
	router := gin.Default()

	router.Use(middleware.RequestLoggerMiddleware())
	router.Use(corsMiddleware())

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
			"time":       time.Now().Unix(),
			"feed":       quoteService.IsConnected(),
		})
	})

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Auth routes (public)
		authHandler.RegisterRoutes(v1)

		// Price routes (public)
		priceHandler.RegisterRoutes(v1)

		// Paper-trading routes (protected)
		authMiddleware := middleware.AuthMiddleware(authService)
		tradeHandler.RegisterRoutes(v1, authMiddleware)
		resetHandler.RegisterRoutes(v1, authMiddleware)
	}

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Start quote service
	ctx := context.Background()
	if err := quoteService.Start(ctx, cfg.Oracle.Symbols); err != nil {
		log.Printf("Warning: failed to start quote service: %v", err)
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop quote service
	quoteService.Stop()

	// Graceful shutdown with 10 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// Close Redis connection
	if err := rdb.Close(); err != nil {
		log.Printf("Error closing Redis connection: %v", err)
	}

	log.Println("Server exited properly")
}

func initDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormLogger := logger.Default.LogMode(logger.Info)
	if cfg.Server.Mode == "release" {
		gormLogger = logger.Default.LogMode(logger.Warn)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: gormLogger,
		// Conditional writes rely on duplicate-key translation
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

func initRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Position{},
		&models.Transaction{},
	)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
