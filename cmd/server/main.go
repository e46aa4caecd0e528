package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/habitlevel/internal/app"
	"github.com/habitlevel/internal/config"
	"github.com/habitlevel/internal/db"
	"github.com/habitlevel/internal/handler"
	"github.com/habitlevel/internal/logger"
	"github.com/habitlevel/internal/router"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Logger.Fatal("failed to load config", "error", err)
	}
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, File: cfg.LogFile}); err != nil {
		logger.Logger.Fatal("failed to initialize logger", "error", err)
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 初始化数据库、账本与调度器
	application, err := app.New(ctx, cfg)
	if err != nil {
		logger.Logger.Fatal("failed to initialize application", "error", err)
	}
	defer application.Close()

	if err := db.EnsureUser(application.DB, cfg.SuperRootUserName, cfg.SuperRootPassword); err != nil {
		logger.Logger.Fatal("failed to ensure super root user", "error", err)
	}

	api := handler.NewAPI(application.DB, application.Ledger, application.Scheduler)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.SetupRouter(api, cfg.SessionSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := application.Scheduler.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		application.Scheduler.Stop()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
