package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/monkey-troop/coordinator/audit"
	"github.com/monkey-troop/coordinator/config"
	"github.com/monkey-troop/coordinator/credit"
	"github.com/monkey-troop/coordinator/hardware"
	"github.com/monkey-troop/coordinator/keys"
	"github.com/monkey-troop/coordinator/kv"
	"github.com/monkey-troop/coordinator/ledger"
	"github.com/monkey-troop/coordinator/observability/logging"
	"github.com/monkey-troop/coordinator/observability/metrics"
	"github.com/monkey-troop/coordinator/placement"
	"github.com/monkey-troop/coordinator/ratelimit"
	"github.com/monkey-troop/coordinator/registry"
	"github.com/monkey-troop/coordinator/server"
	"github.com/monkey-troop/coordinator/ticket"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Setup(server.ServiceName, "").Error("load config", "error", err)
		os.Exit(1)
	}
	log := logging.Setup(server.ServiceName, cfg.Environment)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Error("connect database", "error", err)
		os.Exit(1)
	}
	if err := ledger.AutoMigrate(db); err != nil {
		log.Error("migrate database", "error", err)
		os.Exit(1)
	}

	store := kv.New(cfg.RedisAddr())
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		cancelPing()
		log.Error("connect redis", "addr", cfg.RedisAddr(), "error", err)
		os.Exit(1)
	}
	cancelPing()

	keyManager, err := keys.Ensure(cfg.KeysDir)
	if err != nil {
		log.Error("load signing keys", "dir", cfg.KeysDir, "error", err)
		os.Exit(1)
	}

	sink, err := audit.New(cfg.AuditLogPath, db, log)
	if err != nil {
		log.Error("open audit log", "path", cfg.AuditLogPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = sink.Close() }()

	reg := registry.New(store)
	srv := server.New(server.Config{
		Store:            store,
		Registry:         reg,
		Hardware:         hardware.New(store, db),
		Placement:        placement.New(reg),
		Credits:          credit.New(db, cfg.ReceiptSecret),
		Tickets:          ticket.New(keyManager.Private(), keyManager.Public()),
		Limiter:          ratelimit.New(store),
		Audit:            sink,
		Metrics:          metrics.NewHTTP("coordinator"),
		Log:              log,
		PublicKeyPEM:     keyManager.PublicPEM(),
		AdminPassword:    cfg.AdminPassword,
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowCredentials: cfg.AllowCredentials(),
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("coordinator listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("serve", "error", err)
			os.Exit(1)
		}
	}
}
