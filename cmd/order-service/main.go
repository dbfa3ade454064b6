package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/app"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

// setupLogger выставляет формат и уровень logrus. При ошибке остаются text и info,
// чтобы сервис всё равно стартовал с читаемыми логами.
func setupLogger(level, format string) error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{FieldMap: log.FieldMap{log.FieldKeyMsg: "message"}})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		errs = append(errs, fmt.Errorf("unknown log format %q", format))
	}

	parsed, err := log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
		errs = append(errs, err)
	}
	log.SetLevel(parsed)
	return errors.Join(errs...)
}

func main() {
	cfg, err := app.LoadConfigFromEnv()
	if err != nil {
		_ = setupLogger("info", "text")
		log.WithError(err).Fatal("некорректная конфигурация")
	}
	if err := setupLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.WithError(err).Warn("настройки логирования не применены полностью")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
		"payments":     cfg.PaymentProvider,
		"build":        version.Current().String(),
	}).Info("запускаем fulfillment")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("fulfillment остановлен")
}
