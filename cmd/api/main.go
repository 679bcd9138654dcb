package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"dismissal/internal/api"
	"dismissal/internal/auth"
	"dismissal/internal/broadcast"
	"dismissal/internal/config"
	"dismissal/internal/dismissal"
	"dismissal/internal/httpmiddleware"
	"dismissal/internal/store"
)

const demoSchool = "school-1"

func main() {
	cfg := config.Load()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, cfg.Logger()); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	ctx := context.Background()

	var (
		repo dismissal.Repository
		db   *store.DB
	)
	switch cfg.StoreBackend {
	case "memory":
		mem := dismissal.NewMemoryRepository()
		if err := dismissal.SeedDemo(mem, demoSchool); err != nil {
			return err
		}
		logger.Warn("using in-memory store with demo roster", "school", demoSchool)
		repo = mem
	default:
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		repo = dismissal.NewPostgresRepository(db.Client)
	}

	var (
		bus         broadcast.Bus
		redisClient *store.Redis
		limiter     httpmiddleware.Limiter = httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	)
	if cfg.BroadcastBackend == "memory" {
		bus = broadcast.NewInMemory(64)
	} else {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		if !redisClient.Healthy(ctx) {
			logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr)
		}
		bus = broadcast.NewRedisBus(redisClient.Client, logger)
		limiter = httpmiddleware.NewFallback(httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin), limiter, logger)
	}

	svc := dismissal.NewService(repo, bus,
		dismissal.WithLocation(cfg.Location()),
		dismissal.WithLogger(logger),
		dismissal.WithTagVerifier(func(token string) (string, string, error) {
			tag, err := auth.ParseTag(token, cfg.QRSigningKey)
			if err != nil {
				return "", "", err
			}
			return tag.SchoolID, tag.CarNumber, nil
		}),
	)

	r := api.New(api.Deps{
		Service:          svc,
		Bus:              bus,
		Limiter:          limiter,
		Log:              logger,
		JWTIssuer:        cfg.JWTIssuer,
		JWTSigningKey:    cfg.JWTSigningKey,
		QRSigningKey:     cfg.QRSigningKey,
		AccessTTL:        cfg.AccessTTL,
		SMSWebhookSecret: cfg.SMSWebhookSecret,
		CORSOrigins:      cfg.CORSOrigins,
		DevTokens:        !cfg.Production(),
		Health: func(ctx context.Context) map[string]bool {
			checks := map[string]bool{}
			if db != nil {
				checks["db"] = db.Healthy(ctx)
			}
			if redisClient != nil {
				checks["redis"] = redisClient.Healthy(ctx)
			}
			return checks
		},
	})

	// WriteTimeout stays zero: event streams are long-lived responses.
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.HTTPPort, "store", cfg.StoreBackend, "broadcast", cfg.BroadcastBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", "err", err)
	}

	logger.Info("server exited")
	return nil
}
