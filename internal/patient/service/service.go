package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"patientsync/internal/outbox"
	"patientsync/internal/patient/events"
	"patientsync/internal/patient/metrics"
	"patientsync/internal/patient/models"
	"patientsync/internal/patient/store"
	dErrors "patientsync/pkg/domain-errors"
	"patientsync/pkg/requestcontext"
)

type PatientStore interface {
	FindAll(ctx context.Context) ([]*models.Patient, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Patient, error)
	FindByEmail(ctx context.Context, email string) (*models.Patient, error)
	ExistsByEmailExcluding(ctx context.Context, email string, excludeID uuid.UUID) (bool, error)
	Save(ctx context.Context, patient *models.Patient) error
	DeleteByID(ctx context.Context, id uuid.UUID) error
}

type BillingProvisioner interface {
	CreateBillingAccount(ctx context.Context, patientID, name, email string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev events.PatientEvent) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, e *outbox.Entry) error
}

type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service orchestrates the patient lifecycle across the record store,
// billing and the event stream.
//
// Create runs Validated -> UniquenessChecked -> Persisted ->
// BillingProvisioned -> EventPublished. Nothing downstream starts unless the
// step before it succeeded. Once the patient is persisted the operation is no
// longer cancellable and later failures surface as *PartialFailure.
type Service struct {
	store     PatientStore
	billing   BillingProvisioner
	publisher EventPublisher

	outbox     OutboxWriter
	tx         UnitOfWork
	compensate bool

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() uuid.UUID
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithOutbox switches Create to outbox delivery: the patient row and its
// outbox entry commit in one transaction and billing/event run asynchronously.
func WithOutbox(w OutboxWriter, tx UnitOfWork) Option {
	return func(s *Service) {
		s.outbox = w
		s.tx = tx
	}
}

// WithCompensation deletes a freshly created patient when inline billing
// provisioning fails, instead of keeping it and reporting a partial failure.
func WithCompensation() Option {
	return func(s *Service) {
		s.compensate = true
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(s *Service) {
		s.newID = newID
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New constructs a Service. billing and publisher may be nil only when the
// service runs with an outbox.
func New(patients PatientStore, billing BillingProvisioner, publisher EventPublisher, opts ...Option) (*Service, error) {
	if patients == nil {
		return nil, errors.New("patient store is required")
	}
	s := &Service{
		store:     patients,
		billing:   billing,
		publisher: publisher,
		logger:    slog.Default(),
		tracer:    otel.Tracer("patientsync/patient"),
		now:       time.Now,
		newID:     uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.outbox != nil && s.tx == nil {
		return nil, errors.New("outbox delivery requires a unit of work")
	}
	if s.outbox == nil && (billing == nil || publisher == nil) {
		return nil, errors.New("inline delivery requires billing and publisher")
	}
	return s, nil
}

// Create registers a patient. On a downstream failure after persistence the
// persisted patient is returned together with a *PartialFailure.
func (s *Service) Create(ctx context.Context, req *models.CreatePatientRequest) (patient *models.Patient, err error) {
	ctx, span := s.tracer.Start(ctx, "patient.Create")
	start := time.Now()
	defer func() { s.finish(span, "create", start, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureEmailAvailable(ctx, req.Email); err != nil {
		return nil, err
	}

	patient, err = req.ToPatient(s.newID())
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("patient.id", patient.ID.String()))

	if s.outbox != nil {
		if err := s.persistWithOutbox(ctx, patient); err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "patient created",
			"patient_id", patient.ID,
			"delivery", "outbox",
			"request_id", requestcontext.RequestID(ctx),
		)
		return patient, nil
	}

	if err := s.store.Save(ctx, patient); err != nil {
		return nil, translateSaveError(err)
	}

	// Persisted: downstream steps must not be aborted by the caller going away.
	ctx = context.WithoutCancel(ctx)

	if err := s.billing.CreateBillingAccount(ctx, patient.ID.String(), patient.Name, patient.Email); err != nil {
		return s.handleBillingFailure(ctx, patient, err)
	}

	if err := s.publisher.Publish(ctx, events.NewPatientCreated(patient, s.now())); err != nil {
		return s.partial(ctx, patient, StageEvent, err)
	}

	s.logger.InfoContext(ctx, "patient created",
		"patient_id", patient.ID,
		"delivery", "inline",
		"request_id", requestcontext.RequestID(ctx),
	)
	return patient, nil
}

func (s *Service) persistWithOutbox(ctx context.Context, patient *models.Patient) error {
	entry, err := outbox.NewPatientCreated(patient, s.now())
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to build outbox entry")
	}
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.store.Save(txCtx, patient); err != nil {
			return err
		}
		return s.outbox.Enqueue(txCtx, entry)
	})
	if err != nil {
		return translateSaveError(err)
	}
	return nil
}

func (s *Service) handleBillingFailure(ctx context.Context, patient *models.Patient, cause error) (*models.Patient, error) {
	cause = classifyDownstream(cause)
	if !s.compensate {
		return s.partial(ctx, patient, StageBilling, cause)
	}

	if err := s.store.DeleteByID(ctx, patient.ID); err != nil {
		s.logger.ErrorContext(ctx, "compensating delete failed",
			"patient_id", patient.ID,
			"error", err,
		)
		return s.partial(ctx, patient, StageBilling, cause)
	}
	s.metrics.IncrementCompensation()
	s.logger.WarnContext(ctx, "patient removed after billing failure",
		"patient_id", patient.ID,
		"error", cause,
	)
	return nil, cause
}

func (s *Service) partial(ctx context.Context, patient *models.Patient, stage Stage, cause error) (*models.Patient, error) {
	cause = classifyDownstream(cause)
	s.metrics.IncrementPartialFailure(string(stage))
	s.logger.ErrorContext(ctx, "patient persisted but downstream step failed",
		"patient_id", patient.ID,
		"stage", stage,
		"code", dErrors.CodeOf(cause),
		"error", cause,
		"request_id", requestcontext.RequestID(ctx),
	)
	return patient, &PartialFailure{PatientID: patient.ID, Stage: stage, Err: cause}
}

// Update replaces the mutable attributes of an existing patient. It has no
// billing or event side effects.
func (s *Service) Update(ctx context.Context, req *models.UpdatePatientRequest) (patient *models.Patient, err error) {
	ctx, span := s.tracer.Start(ctx, "patient.Update")
	start := time.Now()
	defer func() { s.finish(span, "update", start, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	taken, err := s.store.ExistsByEmailExcluding(ctx, req.Email, req.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check email")
	}
	if taken {
		return nil, dErrors.New(dErrors.CodeConflict, "a patient with this email already exists")
	}

	patient, err = s.find(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if err := patient.Apply(req); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, patient); err != nil {
		return nil, translateSaveError(err)
	}
	s.logger.InfoContext(ctx, "patient updated",
		"patient_id", patient.ID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return patient, nil
}

// Delete removes an existing patient. Billing accounts are not torn down.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := s.tracer.Start(ctx, "patient.Delete")
	start := time.Now()
	defer func() { s.finish(span, "delete", start, err) }()

	if _, err := s.find(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteByID(ctx, id); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete patient")
	}
	s.logger.InfoContext(ctx, "patient deleted",
		"patient_id", id,
		"request_id", requestcontext.RequestID(ctx),
	)
	return nil
}

// List returns every live patient.
func (s *Service) List(ctx context.Context) (patients []*models.Patient, err error) {
	ctx, span := s.tracer.Start(ctx, "patient.List")
	start := time.Now()
	defer func() { s.finish(span, "list", start, err) }()

	patients, err = s.store.FindAll(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list patients")
	}
	return patients, nil
}

// Get returns one patient.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (patient *models.Patient, err error) {
	ctx, span := s.tracer.Start(ctx, "patient.Get")
	start := time.Now()
	defer func() { s.finish(span, "get", start, err) }()

	return s.find(ctx, id)
}

func (s *Service) find(ctx context.Context, id uuid.UUID) (*models.Patient, error) {
	patient, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("patient %s not found", id))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load patient")
	}
	return patient, nil
}

func (s *Service) ensureEmailAvailable(ctx context.Context, email string) error {
	_, err := s.store.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return dErrors.New(dErrors.CodeConflict, "a patient with this email already exists")
	case errors.Is(err, store.ErrNotFound):
		return nil
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check email")
	}
}

func (s *Service) finish(span trace.Span, operation string, start time.Time, err error) {
	defer span.End()
	s.metrics.ObserveLatency(operation, time.Since(start))
	s.metrics.IncrementOutcome(operation, outcome(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	}
}

func outcome(err error) string {
	var partial *PartialFailure
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &partial):
		return "partial"
	case dErrors.Is(err, dErrors.CodeValidation), dErrors.Is(err, dErrors.CodeConflict),
		dErrors.Is(err, dErrors.CodeNotFound), dErrors.Is(err, dErrors.CodeBadRequest):
		return "rejected"
	default:
		return "error"
	}
}

// translateSaveError maps the store's uniqueness backstop to the same
// conflict the pre-check reports.
func translateSaveError(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return dErrors.New(dErrors.CodeConflict, "a patient with this email already exists")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save patient")
}

// classifyDownstream keeps coded errors and treats anything else as unavailable.
func classifyDownstream(err error) error {
	var coded *dErrors.Error
	if errors.As(err, &coded) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "downstream unavailable")
}
