package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ikid/internal/attendance"
	"ikid/internal/children"
	"ikid/internal/config"
	"ikid/internal/notify"
	"ikid/internal/queue"
	"ikid/internal/store"
	"ikid/internal/users"
)

// Worker consumes attendance messages and notifies the child's guardians.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	q, closeQueue, err := queue.Open(cfg.QueueBackend, cfg.QueueName, redisClient.Client, cfg.AMQPURL)
	if err != nil {
		log.Fatalf("queue init failed: %v", err)
	}
	defer closeQueue()

	cb := store.NewBreaker("postgres")
	usersRepo := users.NewRepository(db.Client, cb)
	events := attendance.NewService(attendance.NewRepository(db.Client, cb), usersRepo, nil, nil)
	sender := notify.New(cfg.NotifyURL, cfg.NotifySkip)

	if !cfg.NotifySkip {
		if err := sender.Health(ctx); err != nil {
			log.Printf("WARNING: notification service not available: %v", err)
		} else {
			log.Println("notification service connected")
		}
	}

	dispatcher := notify.NewDispatcher(events, children.NewRepository(db.Client, cb), usersRepo, sender, cfg.Location())

	log.Println("worker started, waiting for messages...")
	if err := dispatcher.Run(ctx, q); err != nil && ctx.Err() == nil {
		log.Printf("worker failed: %v", err)
	}
	log.Println("worker stopped")
}
