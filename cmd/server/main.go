package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/codesync/backend/internal/api"
	"github.com/manpreetbhatti/codesync/backend/internal/compile"
	"github.com/manpreetbhatti/codesync/backend/internal/config"
	"github.com/manpreetbhatti/codesync/backend/internal/db"
	"github.com/manpreetbhatti/codesync/backend/internal/logging"
	"github.com/manpreetbhatti/codesync/backend/internal/registry"
	"github.com/manpreetbhatti/codesync/backend/internal/retention"
	"github.com/manpreetbhatti/codesync/backend/internal/session"
	"github.com/manpreetbhatti/codesync/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Compiler.ClientID == "" || cfg.Compiler.ClientSecret == "" {
		log.Warn("COMPILER_CLIENT_ID or COMPILER_CLIENT_SECRET not set; compile requests will be rejected upstream")
	}

	database, err := db.New(cfg.DBPath, logging.Component(log, "db"))
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer database.Close()

	journal := db.NewJournal(database, db.DefaultJournalBuffer, logging.Component(log, "journal"))
	journal.Start()
	defer journal.Stop()

	pruner := retention.New(database, retention.Config{
		Interval: cfg.Retention.Interval,
		MaxAge:   cfg.Retention.MaxAge,
	}, logging.Component(log, "retention"))
	pruner.Start()
	defer pruner.Stop()

	hub := ws.NewHub(logging.Component(log, "hub"), ws.Options{
		MessagesPerSecond: cfg.WSMessagesPerSecond,
		MessageBurst:      cfg.WSMessageBurst,
		AllowedOrigins:    cfg.AllowedOrigins,
	})
	coordinator := session.New(hub, registry.New(), journal, logging.Component(log, "session"))

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx, coordinator)
	}()

	handler := api.New(api.Options{
		Hub:            hub,
		Presence:       coordinator,
		Store:          database,
		Compiler:       compile.New(cfg.Compiler.URL, cfg.Compiler.ClientID, cfg.Compiler.ClientSecret, cfg.Compiler.Timeout),
		Runs:           journal,
		AllowedOrigins: cfg.AllowedOrigins,
		CompileRate:    cfg.CompileRate,
		CompileBurst:   cfg.CompileBurst,
		Log:            logging.Component(log, "http"),
	})
	defer handler.Close()

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":     server.Addr,
			"env":      cfg.Env,
			"database": cfg.DBPath,
		}).Info("CodeSync server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("Shutting down server...")
	case err := <-serverErr:
		log.WithError(err).Error("HTTP server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown incomplete")
	}

	stopHub()
	<-hubDone
	coordinator.Close()

	log.Info("Server stopped")
}
