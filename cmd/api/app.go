package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/slotpay/internal/api"
	"github.com/onnwee/slotpay/internal/auth"
	"github.com/onnwee/slotpay/internal/config"
	"github.com/onnwee/slotpay/internal/credential"
	"github.com/onnwee/slotpay/internal/db"
	"github.com/onnwee/slotpay/internal/events"
	"github.com/onnwee/slotpay/internal/gateway"
	"github.com/onnwee/slotpay/internal/health"
	"github.com/onnwee/slotpay/internal/idempotency"
	"github.com/onnwee/slotpay/internal/jobs"
	"github.com/onnwee/slotpay/internal/ledger"
	"github.com/onnwee/slotpay/internal/middleware"
	"github.com/onnwee/slotpay/internal/payment"
	"github.com/onnwee/slotpay/internal/processor"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/reconcile"
	"github.com/onnwee/slotpay/internal/refund"
	"github.com/onnwee/slotpay/internal/resolver"
	"github.com/onnwee/slotpay/internal/signature"
	"github.com/onnwee/slotpay/internal/tenant"
	"github.com/onnwee/slotpay/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	serviceName = "slotpay"

	idempotencyTTL             = 24 * time.Hour
	idempotencyCleanupInterval = time.Hour
	rateLimitCleanupInterval   = 5 * time.Minute
)

// app holds the wired service and its background workers.
type app struct {
	logger *slog.Logger

	conn      *sql.DB
	redis     *redis.Client
	tracer    *tracing.Provider
	publisher events.Publisher

	dispatcher *processor.Dispatcher
	recovery   *processor.RecoveryService
	jobMetrics *jobs.Metrics

	// Set when Redis is not configured.
	memIdempotency *idempotency.InMemoryRepository
	memRateLimit   *middleware.InMemoryRateLimitStore
	stopCleanup    chan struct{}

	handler http.Handler
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger, stopCleanup: make(chan struct{})}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.tracer, err = tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.TracingInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	a.conn, err = db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(a.conn); err != nil {
		return nil, err
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
	}

	sealer, err := tenant.NewSealer(cfg.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init token sealer: %w", err)
	}
	accounts := tenant.NewPostgresRepository(a.conn, sealer)
	txs := payment.NewPostgresRepository(a.conn)
	refundRecords := refund.NewPostgresRepository(a.conn)

	jobMetrics := jobs.NewMetrics()
	a.jobMetrics = jobMetrics
	httpMetrics := middleware.NewMetrics()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := jobMetrics.Register(reg); err != nil {
		return nil, fmt.Errorf("register job metrics: %w", err)
	}
	if err := httpMetrics.Register(reg); err != nil {
		return nil, fmt.Errorf("register http metrics: %w", err)
	}

	gateways, platform, providerChecks := buildGateways(cfg)

	credCfg := credential.DefaultConfig()
	credCfg.DefaultTokenTTL = cfg.StripeTokenTTL
	credentials := credential.NewManager(accounts, gateways, credCfg, logger, jobMetrics)

	a.publisher, err = events.New(events.Config{
		Transport:    events.Transport(cfg.EventsTransport),
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
		AMQPURL:      cfg.AMQPURL,
		AMQPExchange: cfg.AMQPExchange,
	})
	if err != nil {
		return nil, fmt.Errorf("init events publisher: %w", err)
	}

	var archiver ledger.Archiver
	if cfg.ArchiveEnabled() {
		s3, err := ledger.NewS3Archiver(ledger.S3Config{
			Bucket:          cfg.ArchiveBucket,
			Endpoint:        cfg.ArchiveEndpoint,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init payload archive: %w", err)
		}
		archiver = s3
	}

	eventLedger := ledger.New(ledger.NewPostgresRepository(a.conn), archiver, logger)
	resolve := resolver.New(gateways, accounts, txs, credentials, platform, logger)
	reconciler := reconcile.New(txs, a.publisher, logger, jobMetrics)
	refunds := refund.NewOrchestrator(txs, accounts, refundRecords, credentials, gateways, reconciler, refund.DefaultConfig(), logger, jobMetrics)

	proc := processor.New(eventLedger, resolve, reconciler, credentials, logger, jobMetrics)
	dispatchCfg := processor.DefaultDispatcherConfig()
	dispatchCfg.Workers = cfg.WorkerCount
	dispatchCfg.QueueSize = cfg.QueueSize
	a.dispatcher = processor.NewDispatcher(proc, dispatchCfg, logger, jobMetrics)

	recoveryCfg := processor.DefaultRecoveryConfig()
	recoveryCfg.Interval = cfg.RecoveryInterval
	recoveryCfg.StaleAfter = cfg.RecoveryStaleAfter
	a.recovery = processor.NewRecoveryService(eventLedger, a.dispatcher, recoveryCfg, logger, jobMetrics)
	intake := processor.NewIntake(eventLedger, a.dispatcher, jobMetrics)

	var (
		idem      idempotency.Repository
		rateStore middleware.RateLimitStore
	)
	healthCfg := api.HealthHandlersConfig{
		DBChecker: health.NewDBChecker(a.conn),
		Providers: providerChecks,
	}
	if a.redis != nil {
		idem = idempotency.NewRedisRepository(a.redis, idempotencyTTL)
		rateStore = middleware.NewRedisRateLimitStore(a.redis).WithMetrics(httpMetrics)
		healthCfg.RedisChecker = health.NewRedisChecker(a.redis)
	} else {
		logger.Warn("REDIS_URL not set, idempotency and rate limits are per instance")
		a.memIdempotency = idempotency.NewInMemoryRepository()
		a.memRateLimit = middleware.NewInMemoryRateLimitStore()
		idem = a.memIdempotency
		rateStore = a.memRateLimit
	}

	refundLimit := middleware.DefaultRefundLimit()
	refundLimit.RequestsPerWindow = cfg.RefundRateLimit

	a.handler = api.NewRouter(api.RouterConfig{
		Webhooks: api.NewWebhookHandlers(intake, api.WebhookConfig{
			MercadoPago: signature.Verifier{
				Secret:   cfg.MercadoPagoWebhookSecret,
				Disabled: cfg.SignatureVerificationDisabled,
			},
			StripeSecret: cfg.StripeWebhookSecret,
		}, jobMetrics),
		Payments:       api.NewPaymentHandlers(txs, refunds, refundRecords, resolve, reconciler),
		Tenants:        api.NewTenantHandlers(credentials),
		Health:         api.NewHealthHandlers(healthCfg),
		Tokens:         auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTSecretPrevious),
		RateLimitStore: rateStore,
		WebhookLimit:   middleware.DefaultWebhookLimit(),
		RefundLimit:    refundLimit,
		Idempotency:    idem,
		Metrics:        httpMetrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:         logger,
		ServiceName:    serviceName,
	})

	if cfg.SignatureVerificationDisabled {
		logger.Warn("mercadopago webhook signature verification is disabled")
	}
	return a, nil
}

// buildGateways creates the configured provider clients and a
// reachability check for each.
func buildGateways(cfg *config.Config) (provider.Registry, map[provider.Name]provider.Scope, []api.NamedChecker) {
	set := gateway.Build(cfg)
	var checks []api.NamedChecker
	for _, name := range set.Names() {
		checks = append(checks, health.NewHTTPChecker(string(name), set.HealthURLs[name]))
	}
	return set.Registry, set.Platform, checks
}

// Start launches the worker pool, the recovery sweep and store cleanup.
// Workers outlive ctx so Stop can drain in-flight jobs after a signal.
func (a *app) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	a.dispatcher.Start(ctx)
	a.recovery.Start(ctx)

	if a.memIdempotency != nil {
		go idempotency.RunPeriodicCleanup(ctx, a.memIdempotency, idempotencyCleanupInterval, idempotencyTTL, a.jobMetrics, a.stopCleanup)
	}
	if a.memRateLimit != nil {
		go func() {
			ticker := time.NewTicker(rateLimitCleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					a.memRateLimit.Cleanup()
				case <-a.stopCleanup:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Stop halts intake of new background work and waits for in-flight jobs.
// Events still queued stay received and are picked up by the next sweep.
func (a *app) Stop() {
	close(a.stopCleanup)
	a.recovery.Stop()
	a.dispatcher.Stop()
}

// Handler returns the HTTP handler.
func (a *app) Handler() http.Handler {
	return a.handler
}

// Close releases connections.
func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("failed to close events publisher", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to flush traces", "error", err)
		}
	}
}
