package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"circlefund/config"
	"circlefund/mirror"
	"circlefund/models"
	"circlefund/observability/logging"
	"circlefund/payments"
	"circlefund/server"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Setup("circlefundd", "").Error("configuration error", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("circlefundd", cfg.Environment)

	db, err := openDatabase(cfg.DatabaseDSN)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("migrate database", "error", err)
		os.Exit(1)
	}

	var rail payments.Rail = payments.DevRail{}
	if cfg.RailBaseURL != "" {
		rail = payments.NewHTTPRail(cfg.RailBaseURL, cfg.RailAPIKey)
	} else {
		logger.Warn("no payment rail configured, using dev rail")
	}
	var chain mirror.Mirror = mirror.Noop{}
	if cfg.MirrorBaseURL != "" {
		chain = mirror.NewHTTPMirror(cfg.MirrorBaseURL, logger)
	}

	srv := server.New(server.Config{
		DB:        db,
		Policy:    cfg.Policy,
		JWTSecret: cfg.JWTSecret,
		Rail:      rail,
		Mirror:    chain,
		Log:       logger,
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddress)
		errCh <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openDatabase picks the driver from the DSN shape: postgres URLs and
// keyword DSNs go to the postgres driver, anything file-like to sqlite.
func openDatabase(dsn string) (*gorm.DB, error) {
	opts := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return gorm.Open(postgres.Open(dsn), opts)
	}
	return gorm.Open(sqlite.Open(dsn), opts)
}
