// main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quillshelf/bookpay/config"
	"github.com/quillshelf/bookpay/events"
	"github.com/quillshelf/bookpay/gateway"
	"github.com/quillshelf/bookpay/handlers"
	"github.com/quillshelf/bookpay/locker"
	"github.com/quillshelf/bookpay/middleware"
	"github.com/quillshelf/bookpay/routes"
	"github.com/quillshelf/bookpay/services"
	"github.com/quillshelf/bookpay/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger := newLogger(cfg)
	defer logger.Sync()

	// Set Stripe API key
	stripe.Key = cfg.StripeSecretKey

	db, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	registry := gateway.NewRegistry(
		gateway.NewStripe(cfg.StripeWebhookSecret, cfg.BaseURL),
		gateway.NewPaystack(cfg.PaystackSecretKey, cfg.GatewayTimeout),
		gateway.NewFlutterwave(cfg.FlutterwaveSecretKey, cfg.FlutterwaveWebhookKey,
			cfg.BaseURL+"/checkout/return", cfg.GatewayTimeout),
	)
	logger.Info("payment gateways registered", zap.Strings("gateways", registry.Names()))

	var locks locker.Locker = locker.NewKeyedMutex()
	if cfg.RedisAddr != "" {
		locks = locker.NewRedisLocker(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		logger.Info("using redis locks", zap.String("addr", cfg.RedisAddr))
	}

	producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	defer producer.Close()

	emails := services.NewEmailService(
		cfg.SMTPHost, cfg.SMTPPort,
		cfg.SMTPUsername, cfg.SMTPPassword,
		cfg.FromEmail, cfg.FromName,
	)
	coupons := services.NewCouponService(db)
	delivery := services.NewDeliveryService(db, emails, producer, logger,
		cfg.FilesDir, cfg.BaseURL, cfg.DownloadTokenTTL, cfg.MaxDownloads, cfg.DownloadStallTime)
	payments := services.NewPaymentService(db, registry, coupons, delivery, emails, producer, logger, cfg.PaymentExpiry)
	webhooks := services.NewWebhookService(db, registry, payments, locks, logger)
	orders := services.NewOrderService(db, registry, emails, producer, logger)

	h := handlers.NewHandlers(payments, orders, webhooks, delivery, logger)

	r := setupRouter(cfg, h, logger)

	// Background sweepers
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	go runEvery(workerCtx, time.Minute, payments.ExpirePending)
	go runEvery(workerCtx, time.Minute, func(ctx context.Context) { webhooks.RetryFailed(ctx, 50) })
	go runEvery(workerCtx, 5*time.Minute, delivery.SweepStalled)
	go runEvery(workerCtx, 5*time.Minute, delivery.ExpireGrants)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // file downloads
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server",
			zap.String("port", cfg.Port),
			zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

func setupRouter(cfg *config.Config, h *handlers.Handlers, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)

	// CORS middleware
	r.Use(corsMiddleware(cfg.CorsAllowedOrigins))

	// Security headers middleware
	r.Use(securityMiddleware(cfg.Environment))

	r.Handle("/metrics", middleware.PrometheusHandler())

	routes.SetupRoutes(r, h, cfg.JWTSecret)

	return r
}

// runEvery ticks fn until ctx is cancelled.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Environment == "production" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if allowedOrigin == "*" || allowedOrigin == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token, X-Requested-With")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// securityMiddleware adds security headers
func securityMiddleware(environment string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

			// Only set HSTS in production
			if environment == "production" {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}
