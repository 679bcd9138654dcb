package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dismissal/internal/broadcast"
	"dismissal/internal/config"
	"dismissal/internal/dismissal"
	"dismissal/internal/janitor"
	"dismissal/internal/store"
)

// Worker pauses stale sessions on a schedule and tails the event bus of the
// configured schools.
func main() {
	cfg := config.Load()
	logger := cfg.Logger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}

	var bus broadcast.Bus
	if cfg.BroadcastBackend == "memory" {
		bus = broadcast.NewInMemory(64)
	} else {
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		bus = broadcast.NewRedisBus(redisClient.Client, logger)
	}

	loc := cfg.Location()
	svc := dismissal.NewService(dismissal.NewPostgresRepository(db.Client), bus,
		dismissal.WithLocation(loc),
		dismissal.WithLogger(logger),
	)

	jan, err := janitor.New(svc, cfg.JanitorSchedule, loc, logger)
	if err != nil {
		log.Fatalf("janitor init failed: %v", err)
	}
	// catch up on anything left active while the worker was down
	if _, err := jan.RunOnce(ctx); err != nil {
		logger.Error("initial janitor run failed", "err", err)
	}
	jan.Start()
	logger.Info("janitor scheduled", "schedule", cfg.JanitorSchedule, "next", jan.Next())

	if len(cfg.WatchSchools) > 0 {
		go func() {
			for ctx.Err() == nil {
				err := broadcast.Tail(ctx, bus, cfg.WatchSchools, func(evt broadcast.Event) {
					logger.Debug("event", "name", evt.Name, "school", evt.SchoolID, "student", evt.StudentID, "status", evt.Status)
				})
				if ctx.Err() != nil {
					return
				}
				logger.Warn("event tail ended, resubscribing", "err", err)
				time.Sleep(time.Second)
			}
		}()
		logger.Info("tailing events", "schools", cfg.WatchSchools)
	}

	logger.Info("worker started")
	<-ctx.Done()

	<-jan.Stop().Done()
	logger.Info("worker stopped")
}
