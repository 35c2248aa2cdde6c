package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fieldops/api/internal/app"
	"fieldops/api/internal/archive"
	"fieldops/api/internal/attach"
	"fieldops/api/internal/config"
	"fieldops/api/internal/search"
	"fieldops/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore)

	var sweepLock *archive.Lock
	if strings.TrimSpace(cfg.RedisURL) != "" {
		sweepLock, err = archive.NewLock(cfg.RedisURL, cfg.SweepInterval)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer sweepLock.Close()
	} else {
		log.Printf("REDIS_URL not set, archival sweep runs uncoordinated")
	}
	sweeper := archive.NewSweeper(dataStore, sweepLock, time.Duration(cfg.RetentionDays)*24*time.Hour, cfg.SweepInterval)
	go sweeper.Run(ctx)

	var attachments *attach.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		attachments, err = attach.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("attachment storage failed: %v", err)
		}
	} else {
		log.Printf("MINIO_ENDPOINT not set, attachments disabled")
	}

	service := app.New(cfg, dataStore, searchService)
	httpServer := app.NewHTTPServer(service, attachments, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("FieldOps API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
