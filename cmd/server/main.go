// Command server runs the chat bridge: it maintains the authenticated
// upstream gateway connection and serves the browser-facing relay endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cashflowdash/chatbridge/internal/activity"
	"github.com/cashflowdash/chatbridge/internal/config"
	"github.com/cashflowdash/chatbridge/internal/gateway"
	"github.com/cashflowdash/chatbridge/internal/metrics"
	"github.com/cashflowdash/chatbridge/internal/relay"
	"github.com/cashflowdash/chatbridge/internal/slogging"
	"github.com/cashflowdash/chatbridge/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	err = slogging.Initialize(slogging.Config{
		Level:            slogging.ParseLogLevel(cfg.Logging.Level),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	logger := slogging.Get()
	logger.Info("starting chat bridge on %s", cfg.Server.ListenAddress())

	cashflow := store.NewCashflowStore(cfg.Store.CashflowFile)
	tasks := store.NewTaskStore(cfg.Store.TasksFile)
	audit := activity.New(cfg.Activity.File, cfg.Activity.MaxEntries, logger)
	defer audit.Close()

	session := gateway.NewSession(gateway.Options{
		URL:                  cfg.Gateway.URL,
		Token:                cfg.Gateway.Token,
		ClientID:             cfg.Gateway.ClientID,
		ClientVersion:        cfg.Gateway.ClientVersion,
		HandshakeTimeout:     cfg.Gateway.HandshakeTimeout,
		SendTimeout:          cfg.Gateway.SendTimeout,
		HistoryTimeout:       cfg.Gateway.HistoryTimeout,
		ReconnectBaseDelay:   cfg.Gateway.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Gateway.MaxReconnectAttempts,
		Logger:               logger,
	})
	defer session.Shutdown()

	hub := relay.NewHub(logger)
	commands := relay.NewCommandRouter(tasks, cashflow, audit, logger)
	handler := relay.NewHandler(hub, session, commands, cfg.Relay, logger)

	if !cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handler.Register(router)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"gateway": session.State().String(),
			"clients": hub.TotalClients(),
		})
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect eagerly so the first chat message does not pay for the
	// handshake; a failure here is non-fatal since sends also connect
	// lazily.
	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := session.Connect(dialCtx); err != nil {
			logger.Warn("initial gateway connect failed: %v", err)
			audit.Log(activity.Entry{
				ActionType:   "gateway_connect",
				Description:  "initial gateway connection failed",
				Status:       activity.StatusError,
				ErrorMessage: err.Error(),
			})
			return
		}
		audit.Record("gateway_connect", "connected to gateway")
	}()

	go handler.Run(ctx, session.Events())

	server := &http.Server{
		Addr:         cfg.Server.ListenAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
