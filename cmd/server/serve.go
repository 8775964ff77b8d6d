package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"patientsync/internal/billing"
	"patientsync/internal/outbox"
	"patientsync/internal/patient/events"
	"patientsync/internal/patient/handler"
	patientMetrics "patientsync/internal/patient/metrics"
	"patientsync/internal/patient/service"
	"patientsync/internal/patient/store"
	"patientsync/internal/platform/config"
	"patientsync/internal/platform/httpserver"
	"patientsync/internal/platform/kafka/producer"
	"patientsync/internal/platform/metrics"
	"patientsync/internal/platform/middleware"
	"patientsync/internal/platform/postgres"
	"patientsync/internal/platform/redis"
	"patientsync/internal/platform/tracing"
	"patientsync/pkg/platform/circuit"
)

// storage is the persistence wiring for one process: either Postgres or
// the in-memory adapters.
type storage struct {
	patients service.PatientStore
	outbox   outbox.Store
	tx       service.UnitOfWork
	health   func(context.Context) error
	close    func() error
}

func openStorage(ctx context.Context, cfg *config.Config, log *slog.Logger, memory bool) (*storage, error) {
	if memory {
		log.Warn("running with in-memory storage; data is lost on exit")
		return &storage{
			patients: store.NewInMemoryPatientStore(),
			outbox:   outbox.NewInMemoryStore(),
			tx:       store.NewInMemoryTx(),
			close:    func() error { return nil },
		}, nil
	}

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, db, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &storage{
		patients: store.NewPostgres(db),
		outbox:   outbox.NewPostgres(db),
		tx:       postgres.NewTxRunner(db, cfg.Database.TxTimeout),
		health:   db.PingContext,
		close:    db.Close,
	}, nil
}

func runServer(ctx context.Context, cfg *config.Config, log *slog.Logger, memory bool) error {
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, log)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	reg := newRegistry()

	st, err := openStorage(ctx, cfg, log, memory)
	if err != nil {
		return err
	}
	defer st.close()

	topicCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := producer.EnsureTopic(topicCtx, cfg.Kafka); err != nil {
		log.Warn("could not ensure event topic", "topic", cfg.Kafka.Topic, "error", err)
	}
	cancel()

	prod, err := producer.New(cfg.Kafka, log)
	if err != nil {
		return err
	}
	defer prod.Close(context.WithoutCancel(ctx))
	publisher := events.NewPublisher(prod)

	breaker := circuit.New("billing",
		circuit.WithFailureThreshold(cfg.Billing.FailureThreshold),
		circuit.WithCooldown(cfg.Billing.Cooldown),
	)
	billingClient, err := billing.Dial(cfg.Billing.Target(),
		billing.WithTimeout(cfg.Billing.Timeout),
		billing.WithBreaker(breaker),
		billing.WithLogger(log),
	)
	if err != nil {
		return err
	}
	defer billingClient.Close()

	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(patientMetrics.New(reg)),
	}
	var dispatcher *outbox.Dispatcher
	switch cfg.Patient.DeliveryMode {
	case config.DeliveryOutbox:
		opts = append(opts, service.WithOutbox(st.outbox, st.tx))
		dispatcher, err = newDispatcher(ctx, cfg, log, reg, st.outbox, billingClient, publisher)
		if err != nil {
			return err
		}
	default:
		if cfg.Patient.BillingFailurePolicy == config.Compensate {
			opts = append(opts, service.WithCompensation())
		}
	}

	svc, err := service.New(st.patients, billingClient, publisher, opts...)
	if err != nil {
		return fmt.Errorf("build patient service: %w", err)
	}

	router := newRouter(cfg, log, reg, st.health, handler.New(svc, log))
	srv := httpserver.New(cfg.Server.Addr, router)

	log.Info("starting patientsync",
		"addr", cfg.Server.Addr,
		"delivery_mode", cfg.Patient.DeliveryMode,
		"billing_target", cfg.Billing.Target(),
		"topic", cfg.Kafka.Topic,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, srv, cfg.Server.ShutdownTimeout, log)
	})
	if dispatcher != nil {
		g.Go(func() error {
			return dispatcher.Run(gctx)
		})
	}
	return g.Wait()
}

func newDispatcher(
	ctx context.Context,
	cfg *config.Config,
	log *slog.Logger,
	reg prometheus.Registerer,
	entries outbox.Store,
	billingClient outbox.BillingProvisioner,
	publisher outbox.EventPublisher,
) (*outbox.Dispatcher, error) {
	opts := []outbox.Option{
		outbox.WithLogger(log),
		outbox.WithMetrics(outbox.NewMetrics(reg)),
		outbox.WithPollInterval(cfg.Outbox.PollInterval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		outbox.WithBackoff(cfg.Outbox.BaseBackoff, cfg.Outbox.MaxBackoff),
		outbox.WithClaimLease(cfg.Outbox.ClaimLease),
	}

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		owner := instanceID()
		opts = append(opts, outbox.WithLeader(outbox.NewRedisLease(redisClient.Client, owner, cfg.Redis.LeaseTTL)))
		log.Info("outbox dispatcher uses redis lease", "owner", owner, "key", outbox.LeaderKey)
	}

	return outbox.NewDispatcher(entries, billingClient, publisher, opts...), nil
}

func newRouter(cfg *config.Config, log *slog.Logger, reg *prometheus.Registry, health func(context.Context) error, patients *handler.Handler) chi.Router {
	httpMetrics := metrics.New(reg)

	r := chi.NewRouter()
	r.Use(middleware.Recover(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(log, httpMetrics))

	r.Get("/healthz", healthHandler(health))
	r.Handle("/metrics", metrics.Handler(reg))

	r.Group(func(r chi.Router) {
		if cfg.Auth.SigningKey != "" {
			r.Use(middleware.RequireAuth(middleware.NewHMACValidator(cfg.Auth.SigningKey, cfg.Auth.Issuer), log))
		} else {
			log.Warn("JWT_SIGNING_KEY not set; patient routes are unauthenticated")
		}
		patients.Register(r)
	})
	return r
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "patientsync"
	}
	return host + "-" + uuid.NewString()[:8]
}
