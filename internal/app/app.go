package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"commerce/payments-service/internal/cache"
	"commerce/payments-service/internal/config"
	"commerce/payments-service/internal/gateway"
	"commerce/payments-service/internal/httpapi"
	"commerce/payments-service/internal/order"
	"commerce/payments-service/internal/storage"
	"commerce/payments-service/internal/webhook"
	"commerce/payments-service/internal/websocket"
	"commerce/payments-service/pkg/messaging"
)

type App struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	redis     *cache.Redis
	orderSvc  *order.Service
	wsHub     *websocket.Hub
	publisher messaging.Publisher
	outbox    *messaging.OutboxDispatcher
	httpSrv   *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	var redis *cache.Redis
	var orderCache order.Cache
	if cfg.Redis.Addr != "" {
		redis = cache.New(cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redis.Ping(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		orderCache = redis
	}

	wsHub := websocket.NewHub()

	orderSvc := order.NewService(store.Pool(), orderCache, wsHub, cfg.PublicBaseURL)

	gw := gateway.New(gateway.Config{
		KeyID:         cfg.Razorpay.KeyID,
		KeySecret:     cfg.Razorpay.KeySecret,
		WebhookSecret: cfg.Razorpay.WebhookSecret,
		BaseURL:       cfg.Razorpay.BaseURL,
	})

	deliveries := webhook.NewPGStore(store.Pool())
	processor := webhook.NewProcessor(orderSvc, deliveries, gw, logger)
	sweeper := webhook.NewSweeper(processor, deliveries, cfg.Sweeper.BatchSize, cfg.Sweeper.MaxAttempts, logger)

	publisher, err := messaging.NewRabbitPublisher(cfg.Rabbit.URL, cfg.Rabbit.Exchange)
	if err != nil {
		if redis != nil {
			redis.Close()
		}
		store.Close()
		return nil, err
	}

	api := httpapi.NewServer(orderSvc, gw, processor, sweeper, cfg.Sweeper.RetryToken, cfg.IsDevelopment(), logger)
	wsHandler := websocket.NewHandler(wsHub, orderSvc, logger)
	api.HandleFunc("GET /api/orders/{orderID}/ws", wsHandler.ServeWS)

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api,
	}

	outbox := messaging.NewOutboxDispatcher(store.Pool(), publisher, "order_outbox", cfg.Outbox.Interval, cfg.Outbox.BatchSize, logger)

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		redis:     redis,
		orderSvc:  orderSvc,
		wsHub:     wsHub,
		publisher: publisher,
		outbox:    outbox,
		httpSrv:   httpSrv,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)

	a.outbox.Start(ctx)

	go a.wsHub.Run(ctx)

	go func() {
		a.logger.Info("payments http server listening", "addr", a.cfg.HTTPAddr, "environment", a.cfg.Environment)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownGracePeriod)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	a.publisher.Close()
	if a.redis != nil {
		a.redis.Close()
	}
	a.store.Close()
}

func Run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(ctx)

	return app.Run(ctx)
}
