package outbox

import (
	"context"
	"log/slog"
	"time"

	"patientsync/internal/patient/events"
	dErrors "patientsync/pkg/domain-errors"
)

// BillingProvisioner creates the billing account for a patient.
type BillingProvisioner interface {
	CreateBillingAccount(ctx context.Context, patientID, name, email string) error
}

// EventPublisher appends a patient event to the stream.
type EventPublisher interface {
	Publish(ctx context.Context, ev events.PatientEvent) error
}

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 50
	defaultMaxAttempts  = 10
	defaultBaseBackoff  = time.Second
	defaultMaxBackoff   = 5 * time.Minute
	defaultClaimLease   = 30 * time.Second
)

// Dispatcher drains the outbox: billing first, then the event, per entry.
// Delivery is at-least-once; billing must tolerate a repeated request for
// the same patient.
type Dispatcher struct {
	store     Store
	billing   BillingProvisioner
	publisher EventPublisher
	leader    Leader
	logger    *slog.Logger
	metrics   *Metrics

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	claimLease   time.Duration
	now          func() time.Time
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLeader restricts draining to the instance holding the lease.
func WithLeader(l Leader) Option {
	return func(d *Dispatcher) { d.leader = l }
}

func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBackoff sets the retry delay after the first failure and its cap.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(d *Dispatcher) {
		if base > 0 {
			d.baseBackoff = base
		}
		if maxDelay > 0 {
			d.maxBackoff = maxDelay
		}
	}
}

func WithClaimLease(lease time.Duration) Option {
	return func(d *Dispatcher) {
		if lease > 0 {
			d.claimLease = lease
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(store Store, billing BillingProvisioner, publisher EventPublisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		billing:      billing,
		publisher:    publisher,
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		maxAttempts:  defaultMaxAttempts,
		baseBackoff:  defaultBaseBackoff,
		maxBackoff:   defaultMaxBackoff,
		claimLease:   defaultClaimLease,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drains on every tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	d.logger.Info("outbox dispatcher started", "poll_interval", d.pollInterval)

	for {
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("outbox drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			if d.leader != nil {
				_ = d.leader.Release(context.WithoutCancel(ctx))
			}
			d.logger.Info("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// DrainOnce claims one batch and processes it. It returns the number of
// entries claimed.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	if d.leader != nil {
		ok, err := d.leader.Acquire(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
	}

	entries, err := d.store.ClaimDue(ctx, d.now(), d.batchSize, d.claimLease)
	if err != nil {
		return 0, err
	}
	d.metrics.claimed(len(entries))
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		d.process(ctx, e)
	}
	return len(entries), nil
}

func (d *Dispatcher) process(ctx context.Context, e *Entry) {
	payload, err := DecodePatientCreated(e)
	if err != nil {
		d.fail(ctx, e, err, true)
		return
	}

	if e.Stage == StageBilling {
		err := d.billing.CreateBillingAccount(ctx, payload.PatientID, payload.Name, payload.Email)
		if err != nil {
			d.metrics.attempt(StageBilling, "failure")
			d.fail(ctx, e, err, dErrors.HasCode(err, dErrors.CodeRejected))
			return
		}
		d.metrics.attempt(StageBilling, "success")
		if err := d.store.Advance(ctx, e.ID, StageEvent, d.now()); err != nil {
			d.logger.ErrorContext(ctx, "outbox advance failed", "entry_id", e.ID, "stage", StageEvent, "error", err)
			return
		}
		e.Stage = StageEvent
		e.Attempts = 0
	}

	if e.Stage == StageEvent {
		if err := d.publisher.Publish(ctx, payload.Event()); err != nil {
			d.metrics.attempt(StageEvent, "failure")
			d.fail(ctx, e, err, dErrors.HasCode(err, dErrors.CodeEncoding))
			return
		}
		d.metrics.attempt(StageEvent, "success")
		if err := d.store.Advance(ctx, e.ID, StageDone, d.now()); err != nil {
			d.logger.ErrorContext(ctx, "outbox advance failed", "entry_id", e.ID, "stage", StageDone, "error", err)
			return
		}
		d.logger.InfoContext(ctx, "outbox entry delivered",
			"entry_id", e.ID,
			"patient_id", payload.PatientID,
		)
	}
}

func (d *Dispatcher) fail(ctx context.Context, e *Entry, cause error, permanent bool) {
	attempts := e.Attempts + 1
	dead := permanent || attempts >= d.maxAttempts
	next := d.now().Add(Backoff(d.baseBackoff, d.maxBackoff, attempts))
	if dead {
		next = d.now()
	}

	if err := d.store.Fail(ctx, e.ID, cause.Error(), next, dead); err != nil {
		d.logger.ErrorContext(ctx, "outbox failure not recorded", "entry_id", e.ID, "error", err)
		return
	}
	if dead {
		d.metrics.dead()
		d.logger.ErrorContext(ctx, "outbox entry dead-lettered",
			"entry_id", e.ID,
			"aggregate_id", e.AggregateID,
			"stage", e.Stage,
			"attempts", attempts,
			"error", cause,
		)
		return
	}
	d.logger.WarnContext(ctx, "outbox delivery failed, will retry",
		"entry_id", e.ID,
		"stage", e.Stage,
		"attempts", attempts,
		"next_attempt_at", next,
		"error", cause,
	)
}

// Backoff is base * 2^(attempts-1), capped at maxDelay.
func Backoff(base, maxDelay time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
