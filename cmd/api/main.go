package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/app"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/authpw"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/config"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/docstore"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/email"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/search"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/session"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/storage"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/store"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/workspace"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	// Document store: Postgres rows, Redis change feed. Without Redis the
	// API still works but subscriptions only fire inside this process.
	var notifier *docstore.Notifier
	if strings.TrimSpace(cfg.RedisURL) != "" {
		notifier, err = docstore.NewNotifier(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer notifier.Close()
	} else {
		log.Printf("No Redis configured; document change feed is process-local")
	}
	docs := docstore.NewPostgresStore(db, notifier)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	mailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailService.IsConfigured() {
		log.Printf("SMTP not configured; invite mail disabled")
	}

	var objects *storage.ObjectStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err = storage.NewObjectStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object storage failed: %v", err)
		}
	} else {
		log.Printf("No object storage configured; post attachments disabled")
	}

	// Refresh sessions live in Redis when available, Postgres otherwise.
	var sessions app.SessionStore = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisSessions, err := session.NewRedisStore(cfg.RedisURL, dataStore)
		if err != nil {
			log.Fatalf("redis session store failed: %v", err)
		}
		defer redisSessions.Close()
		sessions = redisSessions
		log.Printf("Using Redis for refresh token storage")
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	workspaces := workspace.NewService(docs, searchService, mailService)

	service := app.NewService(app.ServiceOptions{
		Users:          dataStore,
		Sessions:       sessions,
		Revocations:    dataStore,
		Passwords:      authpw.NewService(dataStore),
		Docs:           docs,
		Workspaces:     workspaces,
		Search:         searchService,
		Objects:        objects,
		DB:             db,
		JWTSecret:      []byte(cfg.JWTSecret),
		AccessTTL:      cfg.AccessTTL,
		RefreshTTL:     cfg.RefreshTTL,
		BoardTTL:       cfg.BoardTTL,
		MailConfigured: mailService.IsConfigured(),
	})
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	service.StartBoardJanitor(janitorCtx, time.Minute)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Tilekit API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
