package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"outbound-voice/internal/app"
	"outbound-voice/internal/auth"
	"outbound-voice/internal/config"
	"outbound-voice/pkg/logger"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	a, err := app.New(rootCtx, cfg, log)
	if err != nil {
		log.Error("app init failed", "err", err)
		os.Exit(1)
	}

	// Production schemas are migrated by `dialer migrate` before rollout.
	if !cfg.IsProduction() {
		if err := a.Stores.Migrate(rootCtx); err != nil {
			log.Error("migrate failed", "err", err)
			os.Exit(1)
		}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, a, authManager)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Media streams are long-lived websockets; gorilla manages their deadlines.
		IdleTimeout: 60 * time.Second,
	}

	workerCtx, stopWorkers := context.WithCancel(rootCtx)
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		a.RunWorkers(workerCtx)
	}()

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "store", a.Stores.Driver, "carrier", a.Carrier.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	stopWorkers()
	workers.Wait()
	a.Close(shutdownCtx)
	log.Info("shutdown complete")
}
