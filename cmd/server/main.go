package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dbpe/kiosk/internal/adapter/handler"
	"github.com/dbpe/kiosk/internal/adapter/hardware"
	"github.com/dbpe/kiosk/internal/adapter/shortener"
	"github.com/dbpe/kiosk/internal/adapter/storage"
	"github.com/dbpe/kiosk/internal/config"
	"github.com/dbpe/kiosk/internal/core/service"
	"github.com/dbpe/kiosk/internal/port"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis holds the session records.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	log.Info("connected to redis", "addr", cfg.RedisAddr)

	// MySQL holds the inventory ledger.
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Error("failed to open mysql", "error", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		log.Error("failed to ping mysql", "error", err)
		os.Exit(1)
	}
	log.Info("connected to mysql")

	inventory := storage.NewMySQLInventory(db)
	if err := inventory.Init(ctx); err != nil {
		log.Error("failed to init inventory", "error", err)
		os.Exit(1)
	}

	sessions := storage.NewSessionStore(rdb, cfg.SessionTTL)
	serialCh := hardware.NewSerialChannel(cfg.SerialPort, cfg.SerialBaudRate, log)
	notifier := hardware.NewUDPNotifier(cfg.UDPAddr, log)

	var links port.ShortLinker
	if cfg.ShortenerBaseURL != "" {
		links = shortener.NewClient(cfg.ShortenerBaseURL, cfg.ShortenerUser, cfg.ShortenerPassword, log)
	} else {
		log.Warn("no shortener configured, minting local slugs")
		links = shortener.LocalLinker{}
	}

	dispense := service.NewDispenseService(service.Config{
		RegistrationBaseURL: cfg.RegistrationBaseURL,
	}, sessions, inventory, serialCh, notifier, links, log)

	mux := http.NewServeMux()
	handler.NewHTTPHandler(dispense, log).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	guard := handler.NewReplayGuard(rdb, cfg.ReplayGuardTTL, log,
		"/api/kiosk/session/complete",
		"/api/kiosk/form",
	)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: guard.Wrap(mux),
	}

	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	log.Info("http server stopped")

	serialCh.Close()
	notifier.Close()
	rdb.Close()
	db.Close()
	log.Info("connections closed")
}

// newLogger builds the process-wide JSON logger from a level string.
func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}
