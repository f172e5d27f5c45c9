package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ikid/internal/attendance"
	"ikid/internal/auth"
	"ikid/internal/children"
	"ikid/internal/cloudinary"
	"ikid/internal/config"
	"ikid/internal/handler"
	"ikid/internal/httpmiddleware"
	"ikid/internal/presence"
	"ikid/internal/queue"
	"ikid/internal/store"
	"ikid/internal/users"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(cfg.DatabaseURL)
	if db == nil {
		return err
	}
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	} else if err := db.Migrate(ctx); err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	q, closeQueue, err := queue.Open(cfg.QueueBackend, cfg.QueueName, redisClient.Client, cfg.AMQPURL)
	if err != nil {
		return err
	}
	defer closeQueue()

	cb := store.NewBreaker("postgres")
	hub := presence.NewHub()

	attendanceRepo := attendance.NewRepository(db.Client, cb)
	childrenRepo := children.NewRepository(db.Client, cb)
	usersRepo := users.NewRepository(db.Client, cb)

	var photos children.PhotoStore
	if cfg.CloudinaryConfigured() {
		photos = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	att := attendance.NewService(attendanceRepo, usersRepo, hub, q)
	kids := children.NewService(childrenRepo, usersRepo, photos, hub)
	accounts := users.NewService(usersRepo, hub)
	sessions := auth.NewSessions(usersRepo, usersRepo, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)

	if cfg.PresenceListen {
		resync := func(ctx context.Context, childIDs []string) {
			for _, id := range childIDs {
				p, err := attendanceRepo.Presence(ctx, id)
				if err != nil {
					log.Printf("presence resync %s: %v", id, err)
					continue
				}
				hub.Publish(p)
			}
		}
		listener := presence.NewListener(cfg.DatabaseURL, hub, resync)
		go func() {
			if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("presence listener stopped: %v", err)
			}
		}()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Disposition", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.Metrics())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	h := handler.New(handler.Deps{
		Attendance:  att,
		Children:    kids,
		ChildLookup: childrenRepo,
		Users:       accounts,
		Sessions:    sessions,
		Location:    cfg.Location(),
		Checks: map[string]handler.HealthCheck{
			"db":    db.Healthy,
			"redis": redisClient.Healthy,
		},
	})
	h.Register(r, auth.Authenticate(cfg.JWTSigningKey, cfg.JWTIssuer), limiter.Middleware())

	// WriteTimeout stays unset: presence streams are long-lived responses.
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(h.CloseStreams)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}
