package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"commerce/payments-service/internal/config"
	"commerce/payments-service/internal/notifier"
	"commerce/payments-service/pkg/messaging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("notifier failed: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mailer notifier.Mailer
	if cfg.Notifier.SMTPAddr != "" {
		mailer = notifier.NewSMTPMailer(cfg.Notifier.SMTPAddr, cfg.Notifier.SMTPFrom)
	} else {
		mailer = notifier.NewLogMailer(logger)
	}

	consumer, err := messaging.NewRabbitConsumer(cfg.Rabbit.URL, cfg.Rabbit.Exchange, cfg.Rabbit.Queue, "orders.*", logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	n := notifier.New(mailer, cfg.Notifier.AdminTo, logger)

	logger.Info("notifier consuming order events", "queue", cfg.Rabbit.Queue)
	return consumer.Start(ctx, n.Handle)
}
