package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/httpapi"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/observability"
	grpcsvc "github.com/vladislavdragonenkov/fulfillment/internal/service/grpc"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/idempotency"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

const serviceName = "fulfillment"

// Run поднимает gRPC API, HTTP (вебхук, метрики, пробы) и фоновые воркеры.
// Блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.WithField("component", "app")
	build := version.Current()

	_, shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: build.Version,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRatio:    cfg.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown with error")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		build.Collector(),
	)

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	gate, err := buildPaymentGate(cfg, logger)
	if err != nil {
		return err
	}
	orch, err := createOrchestrator(cfg, deps, gate, metrics.NewOrderMetricsWithRegisterer(registry), logger)
	if err != nil {
		return err
	}

	grpcServer, healthServer, err := newGRPCServer(orch, deps.idempotencyRepo, registry, logger)
	if err != nil {
		return err
	}

	healthHandler := healthcheck.NewHandler(build.String())
	for name, checker := range deps.checkers {
		healthHandler.RegisterChecker(name, checker)
	}
	healthHandler.RegisterChecker("depots", healthcheck.Probe("depots", depotCoverageProbe(deps.depots)))
	healthHandler.RegisterOptional("outbox", healthcheck.Probe("outbox", outboxBacklogProbe(deps.outboxRepo, cfg.OutboxMaxPending)))

	router := httpapi.NewRouter(
		httpapi.WithLogger(logger.WithField("layer", "http")),
		httpapi.WithHealth(healthHandler),
		httpapi.WithGatherer(registry),
		httpapi.WithWebhook(httpapi.NewWebhookHandler(orch, logger.WithField("component", "payment-webhook"))),
	)
	httpServer := &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpLis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen http: %w", err)
	}

	producer := initKafkaProducer(cfg, logger)
	defer closeKafkaProducer(producer, logger)

	var publisher domain.OutboxPublisher = outbox.NewLogPublisher(logger.WithField("component", "outbox-log-publisher"))
	outboxOptions := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(metrics.NewOutboxMetricsWithRegisterer(registry)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		outbox.WithConcurrency(cfg.OutboxConcurrency),
	}
	if producer != nil {
		publisher = kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents)
		outboxOptions = append(outboxOptions, outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)))
	}
	outboxWorker := outbox.NewWorker(deps.outboxRepo, publisher, outboxOptions...)
	cleanupWorker := idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithMetrics(metrics.NewIdempotencyMetricsWithRegisterer(registry)),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)

	g, gctx := errgroup.WithContext(ctx)

	consumer, err := startConfirmationConsumer(gctx, cfg, orch, producer, metrics.NewConsumerMetricsWithRegisterer(registry), logger)
	if err != nil {
		// без консьюмера подтверждения всё ещё приходят через вебхук
		logger.WithError(err).Warn("payment confirmation consumer is disabled")
	}
	defer stopKafkaConsumer(consumer, logger)

	g.Go(func() error {
		logger.WithField("addr", grpcLis.Addr().String()).Info("grpc server listening")
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", httpLis.Addr().String()).Info("http server listening")
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		outboxWorker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		cleanupWorker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthServer.Shutdown()
		shutdownGRPC(grpcServer, cfg.ShutdownTimeout, logger)
		shutdownHTTP(httpServer, cfg.ShutdownTimeout, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// newGRPCServer регистрирует OrderService, grpc health и reflection.
func newGRPCServer(orch grpcsvc.Orchestrator, idemRepo domain.IdempotencyRepository, registry prometheus.Registerer, logger *log.Entry) (*grpc.Server, *health.Server, error) {
	if err := grpcsvc.RegisterDescriptor(); err != nil {
		return nil, nil, fmt.Errorf("register grpc descriptor: %w", err)
	}

	grpcMetrics := promgrpc.NewServerMetrics()
	if err := registry.Register(grpcMetrics); err != nil {
		return nil, nil, fmt.Errorf("register grpc metrics: %w", err)
	}
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))

	grpcsvc.RegisterOrderServiceServer(server, grpcsvc.NewOrderService(orch, idemRepo, logger.WithField("layer", "grpc")))
	grpcMetrics.InitializeMetrics(server)
	reflection.Register(server)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return server, healthServer, nil
}

// shutdownGRPC ждёт завершения активных RPC, по таймауту рвёт соединения.
func shutdownGRPC(server *grpc.Server, timeout time.Duration, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("graceful stop timed out, forcing grpc shutdown")
		server.Stop()
	}
}

func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

// outboxBacklogProbe деградирует статус, когда очередь outbox переросла порог; 0 отключает порог.
func outboxBacklogProbe(repo domain.OutboxRepository, maxPending int) healthcheck.ProbeFunc {
	return func(context.Context) (healthcheck.Status, string) {
		stats, err := repo.Stats()
		if err != nil {
			return healthcheck.StatusUnhealthy, err.Error()
		}
		if maxPending > 0 && stats.PendingCount > maxPending {
			return healthcheck.StatusDegraded, fmt.Sprintf("%d pending outbox messages (max %d), oldest %s ago",
				stats.PendingCount, maxPending, stats.Lag(time.Now()).Round(time.Second))
		}
		if stats.FailedCount > 0 {
			return healthcheck.StatusHealthy, fmt.Sprintf("%d messages dead-lettered", stats.FailedCount)
		}
		return healthcheck.StatusHealthy, ""
	}
}

// depotCoverageProbe снимает готовность, если маршрутизировать заказы некуда.
func depotCoverageProbe(depots domain.DepotDirectory) healthcheck.ProbeFunc {
	return func(ctx context.Context) (healthcheck.Status, string) {
		active, err := depots.ActiveDepots(ctx)
		if err != nil {
			return healthcheck.StatusUnhealthy, err.Error()
		}
		if len(active) == 0 {
			return healthcheck.StatusUnhealthy, "no eligible depot"
		}
		return healthcheck.StatusHealthy, fmt.Sprintf("%d eligible depots", len(active))
	}
}
