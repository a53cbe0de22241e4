package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/zeitgeist/backend/docs"
	"github.com/zeitgeist/backend/internal/config"
	"github.com/zeitgeist/backend/internal/database"
	"github.com/zeitgeist/backend/internal/events"
	eventskafka "github.com/zeitgeist/backend/internal/events/kafka"
	"github.com/zeitgeist/backend/internal/handlers"
	mW "github.com/zeitgeist/backend/internal/middleware"
	"github.com/zeitgeist/backend/internal/services"
	"github.com/zeitgeist/backend/internal/store"
)

// @title ZEITGEIST Credits API
// @version 1.0
// @description Credit ledger and settlement API for the ZEITGEIST log analysis product
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	viper.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	viper.BindEnv("kafka.topic", "KAFKA_CREDIT_EVENTS_TOPIC")

	viper.BindEnv("frontend.origin", "FRONTEND_URL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"

	// Initialize storage
	db := database.InitDatabase()
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Event publisher: Kafka when brokers are configured, no-op otherwise
	var publisher events.Publisher = events.NoopPublisher{}
	if brokers := viper.GetString("kafka.brokers"); brokers != "" {
		kafkaPublisher := eventskafka.NewPublisher(strings.Split(brokers, ","), viper.GetString("kafka.topic"))
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
		log.Printf("Kafka credit event publisher enabled (%s)", brokers)
	}

	// Initialize services
	creditsConfig := config.LoadCreditsConfig()
	ledgerStore := store.NewLedgerStore(db)
	identityService := services.NewIdentityService(ledgerStore, creditsConfig)
	deductionService := services.NewDeductionService(ledgerStore, publisher, creditsConfig)
	settlementService := services.NewSettlementService(ledgerStore, identityService, publisher, creditsConfig)
	reconciliationService := services.NewReconciliationService(settlementService, redisClient, creditsConfig)
	checkoutService := services.NewCheckoutService(creditsConfig)

	accountHandler := handlers.NewAccountHandler(identityService, deductionService, ledgerStore)
	purchaseHandler := handlers.NewPurchaseHandler(settlementService, reconciliationService, checkoutService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	frontendOrigin := viper.GetString("frontend.origin")
	if frontendOrigin == "" {
		frontendOrigin = "http://localhost:3000"
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{frontendOrigin},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.OptionalAuth)

		r.Post("/accounts/login", accountHandler.Login)
		r.Get("/accounts/{email}", accountHandler.GetAccount)
		r.Patch("/accounts/{userId}/credits", accountHandler.DeductCredits)
		r.Get("/accounts/{userId}/purchases", accountHandler.GetPurchases)

		r.Post("/purchases", purchaseHandler.SettlePurchase)
		r.Post("/purchases/reconcile", purchaseHandler.Reconcile)
		r.Get("/purchases/checkout-qr", purchaseHandler.CheckoutQR)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
