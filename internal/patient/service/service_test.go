package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"patientsync/internal/outbox"
	"patientsync/internal/patient/events"
	"patientsync/internal/patient/metrics"
	"patientsync/internal/patient/models"
	"patientsync/internal/patient/service/mocks"
	"patientsync/internal/patient/store"
	dErrors "patientsync/pkg/domain-errors"
)

// =============================================================================
// Patient Service Test Suite
// =============================================================================
// Covers step ordering, the error taxonomy and the post-persist contract with
// mocked collaborators. Concurrency against a real store lives in
// service_concurrency_test.go.

type ServiceSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	store     *mocks.MockPatientStore
	billing   *mocks.MockBillingProvisioner
	publisher *mocks.MockEventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       time.Time
	id        uuid.UUID
	service   *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockPatientStore(s.ctrl)
	s.billing = mocks.NewMockBillingProvisioner(s.ctrl)
	s.publisher = mocks.NewMockEventPublisher(s.ctrl)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.now = time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	s.id = uuid.MustParse("6f1c7a3e-3d2b-4c44-9a57-0c7f1f5e2b10")
	s.service = s.newService()
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceSuite) newService(opts ...Option) *Service {
	base := []Option{
		WithLogger(s.logger),
		WithMetrics(s.metrics),
		WithClock(func() time.Time { return s.now }),
		WithIDGenerator(func() uuid.UUID { return s.id }),
	}
	svc, err := New(s.store, s.billing, s.publisher, append(base, opts...)...)
	s.Require().NoError(err)
	return svc
}

func aliceRequest() *models.CreatePatientRequest {
	return &models.CreatePatientRequest{
		Name:           "Alice Smith",
		Address:        "1 Main St",
		Email:          "alice@example.com",
		DateOfBirth:    "1990-01-01",
		RegisteredDate: "2024-01-01",
	}
}

func (s *ServiceSuite) existingPatient(id uuid.UUID, email string) *models.Patient {
	p, err := models.NewPatient(id, "Bob Jones", "2 High St", email,
		time.Date(1985, 2, 3, 0, 0, 0, 0, time.UTC), time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	return p
}

// =============================================================================
// Constructor
// =============================================================================

func (s *ServiceSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(nil, s.billing, s.publisher)
		s.ErrorContains(err, "patient store is required")
	})

	s.Run("inline delivery needs billing and publisher", func() {
		_, err := New(s.store, nil, s.publisher)
		s.Error(err)
	})

	s.Run("outbox delivery needs a unit of work", func() {
		_, err := New(s.store, nil, nil, WithOutbox(mocks.NewMockOutboxWriter(s.ctrl), nil))
		s.Error(err)
	})

	s.Run("outbox delivery works without billing and publisher", func() {
		svc, err := New(s.store, nil, nil, WithOutbox(mocks.NewMockOutboxWriter(s.ctrl), mocks.NewMockUnitOfWork(s.ctrl)))
		s.NoError(err)
		s.NotNil(svc)
	})
}

// =============================================================================
// Create
// =============================================================================

func (s *ServiceSuite) TestCreate() {
	ctx := context.Background()

	s.Run("persists then provisions billing then publishes", func() {
		gomock.InOrder(
			s.store.EXPECT().FindByEmail(gomock.Any(), "alice@example.com").Return(nil, store.ErrNotFound),
			s.store.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, p *models.Patient) error {
				s.Equal(s.id, p.ID)
				s.Equal("Alice Smith", p.Name)
				return nil
			}),
			s.billing.EXPECT().CreateBillingAccount(gomock.Any(), s.id.String(), "Alice Smith", "alice@example.com").Return(nil),
			s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev events.PatientEvent) error {
				s.Equal(s.id.String(), ev.PatientID)
				s.Equal("Alice Smith", ev.Name)
				s.Equal("alice@example.com", ev.Email)
				s.Equal(events.TypePatientCreated, ev.EventType)
				s.Equal(s.now, ev.OccurredAt)
				return nil
			}),
		)

		patient, err := s.service.Create(ctx, aliceRequest())
		s.Require().NoError(err)
		s.Equal(s.id, patient.ID)
		s.Equal("1990-01-01", patient.DateOfBirth.Format(models.DateLayout))
		s.Equal(float64(1), testutil.ToFloat64(s.metrics.Outcomes.WithLabelValues("create", "success")))
	})

	s.Run("email is normalized before the uniqueness check", func() {
		req := aliceRequest()
		req.Email = "  Alice@Example.COM "
		s.store.EXPECT().FindByEmail(gomock.Any(), "alice@example.com").
			Return(s.existingPatient(uuid.New(), "alice@example.com"), nil)

		_, err := s.service.Create(ctx, req)
		s.True(dErrors.Is(err, dErrors.CodeConflict))
	})

	s.Run("validation failure touches nothing", func() {
		req := aliceRequest()
		req.Name = "Al"
		patient, err := s.service.Create(ctx, req)
		s.Nil(patient)
		s.True(dErrors.Is(err, dErrors.CodeValidation))
	})

	s.Run("missing registered date is a validation error", func() {
		req := aliceRequest()
		req.RegisteredDate = ""
		_, err := s.service.Create(ctx, req)
		s.True(dErrors.Is(err, dErrors.CodeValidation))
	})

	s.Run("existing email is a conflict with no side effects", func() {
		s.store.EXPECT().FindByEmail(gomock.Any(), "alice@example.com").
			Return(s.existingPatient(uuid.New(), "alice@example.com"), nil)

		patient, err := s.service.Create(ctx, aliceRequest())
		s.Nil(patient)
		s.True(dErrors.Is(err, dErrors.CodeConflict))
	})

	s.Run("store backstop conflict maps to the same conflict", func() {
		s.store.EXPECT().FindByEmail(gomock.Any(), gomock.Any()).Return(nil, store.ErrNotFound)
		s.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(store.ErrConflict)

		patient, err := s.service.Create(ctx, aliceRequest())
		s.Nil(patient)
		s.True(dErrors.Is(err, dErrors.CodeConflict))
	})

	s.Run("store failure before persistence is internal", func() {
		s.store.EXPECT().FindByEmail(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection reset"))

		_, err := s.service.Create(ctx, aliceRequest())
		s.True(dErrors.Is(err, dErrors.CodeInternal))
	})
}

func (s *ServiceSuite) TestCreateDownstreamFailures() {
	ctx := context.Background()

	expectPersist := func() {
		s.store.EXPECT().FindByEmail(gomock.Any(), gomock.Any()).Return(nil, store.ErrNotFound)
		s.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)
	}

	s.Run("billing timeout keeps the record and skips the event", func() {
		expectPersist()
		s.billing.EXPECT().CreateBillingAccount(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(dErrors.Wrap(context.DeadlineExceeded, dErrors.CodeUnavailable, "billing service timeout"))

		patient, err := s.service.Create(ctx, aliceRequest())
		s.Require().NotNil(patient, "persisted patient is still returned")
		s.Equal(s.id, patient.ID)

		var partial *PartialFailure
		s.Require().ErrorAs(err, &partial)
		s.Equal(StageBilling, partial.Stage)
		s.Equal(s.id, partial.PatientID)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
		s.Equal(float64(1), testutil.ToFloat64(s.metrics.PartialFailures.WithLabelValues("billing")))
	})

	s.Run("billing rejection is reported as rejected", func() {
		expectPersist()
		s.billing.EXPECT().CreateBillingAccount(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(dErrors.New(dErrors.CodeRejected, "billing rejected request"))

		_, err := s.service.Create(ctx, aliceRequest())
		var partial *PartialFailure
		s.Require().ErrorAs(err, &partial)
		s.True(dErrors.HasCode(err, dErrors.CodeRejected))
	})

	s.Run("uncoded billing error is treated as unavailable", func() {
		expectPersist()
		s.billing.EXPECT().CreateBillingAccount(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(errors.New("connection refused"))

		_, err := s.service.Create(ctx, aliceRequest())
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})

	s.Run("event failure after billing is a partial failure at the event stage", func() {
		expectPersist()
		s.billing.EXPECT().CreateBillingAccount(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
		s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).
			Return(dErrors.New(dErrors.CodeEncoding, "patient event contains invalid UTF-8"))

		patient, err := s.service.Create(ctx, aliceRequest())
		s.NotNil(patient)
		var partial *PartialFailure
		s.Require().ErrorAs(err, &partial)
		s.Equal(StageEvent, partial.Stage)
		s.True(dErrors.HasCode(err, dErrors.CodeEncoding))
	})

	s.Run("caller cancellation after persistence does not abort billing", func() {
		callerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		s.store.EXPECT().FindByEmail(gomock.Any(), gomock.Any()).Return(nil, store.ErrNotFound)
		s.store.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, *models.Patient) error {
			cancel()
			return nil
		})
		s.billing.EXPECT().CreateBillingAccount(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, _, _, _ string) error {
				s.NoError(ctx.Err())
				return nil
			})
		s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

		_, err := s.service.Create(callerCtx, aliceRequest())
		s.NoError(err)
	})
}

func (s *ServiceSuite) TestCreateWithCompensation() {
	ctx := context.Background()
	svc := s.newService(WithCompensation())

	s.Run("billing failure deletes the record and returns the billing error", func() {
		gomock.InOrder(
			s.store.EXPECT().FindByEmail(gomock.Any(), gomock.Any()).Return(nil, store.ErrNotFound),
			s.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil),
			s.billing.EXPECT().CreateBillingAccount(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
				Return(dErrors.New(dErrors.CodeUnavailable, "billing service unavailable")),
			s.store.EXPECT().DeleteByID(gomock.Any(), s.id).Return(nil),
		)

		patient, err := svc.Create(ctx, aliceRequest())
		s.Nil(patient)
		var partial *PartialFailure
		s.False(errors.As(err, &partial))
		s.True(dErrors.Is(err, dErrors.CodeUnavailable))
		s.Equal(float64(1), testutil.ToFloat64(s.metrics.Compensations))
	})

	s.Run("failed compensation falls back to a partial failure", func() {
		s.store.EXPECT().FindByEmail(gomock.Any(), gomock.Any()).Return(nil, store.ErrNotFound)
		s.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)
		s.billing.EXPECT().CreateBillingAccount(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(dErrors.New(dErrors.CodeUnavailable, "billing service unavailable"))
		s.store.EXPECT().DeleteByID(gomock.Any(), s.id).Return(errors.New("db down"))

		patient, err := svc.Create(ctx, aliceRequest())
		s.NotNil(patient)
		var partial *PartialFailure
		s.True(errors.As(err, &partial))
	})

	s.Run("event failure is never compensated", func() {
		s.store.EXPECT().FindByEmail(gomock.Any(), gomock.Any()).Return(nil, store.ErrNotFound)
		s.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)
		s.billing.EXPECT().CreateBillingAccount(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
		s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(dErrors.New(dErrors.CodeUnavailable, "down"))

		patient, err := svc.Create(ctx, aliceRequest())
		s.NotNil(patient)
		var partial *PartialFailure
		s.Require().ErrorAs(err, &partial)
		s.Equal(StageEvent, partial.Stage)
	})
}

func (s *ServiceSuite) TestCreateWithOutbox() {
	ctx := context.Background()
	writer := mocks.NewMockOutboxWriter(s.ctrl)
	uow := mocks.NewMockUnitOfWork(s.ctrl)
	svc, err := New(s.store, nil, nil,
		WithOutbox(writer, uow),
		WithLogger(s.logger),
		WithClock(func() time.Time { return s.now }),
		WithIDGenerator(func() uuid.UUID { return s.id }),
	)
	s.Require().NoError(err)

	runFn := func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

	s.Run("patient and outbox entry are written in one unit of work", func() {
		s.store.EXPECT().FindByEmail(gomock.Any(), gomock.Any()).Return(nil, store.ErrNotFound)
		uow.EXPECT().RunInTx(gomock.Any(), gomock.Any()).DoAndReturn(runFn)
		gomock.InOrder(
			s.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil),
			writer.EXPECT().Enqueue(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e *outbox.Entry) error {
				s.Equal(s.id, e.AggregateID)
				s.Equal(outbox.EventPatientCreated, e.EventType)
				s.Equal(outbox.StageBilling, e.Stage)
				payload, err := outbox.DecodePatientCreated(e)
				s.Require().NoError(err)
				s.Equal("alice@example.com", payload.Email)
				return nil
			}),
		)

		patient, err := svc.Create(ctx, aliceRequest())
		s.Require().NoError(err)
		s.Equal(s.id, patient.ID)
	})

	s.Run("conflict inside the unit of work enqueues nothing", func() {
		s.store.EXPECT().FindByEmail(gomock.Any(), gomock.Any()).Return(nil, store.ErrNotFound)
		uow.EXPECT().RunInTx(gomock.Any(), gomock.Any()).DoAndReturn(runFn)
		s.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(store.ErrConflict)

		patient, err := svc.Create(ctx, aliceRequest())
		s.Nil(patient)
		s.True(dErrors.Is(err, dErrors.CodeConflict))
	})

	s.Run("enqueue failure fails the create", func() {
		s.store.EXPECT().FindByEmail(gomock.Any(), gomock.Any()).Return(nil, store.ErrNotFound)
		uow.EXPECT().RunInTx(gomock.Any(), gomock.Any()).DoAndReturn(runFn)
		s.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)
		writer.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

		patient, err := svc.Create(ctx, aliceRequest())
		s.Nil(patient)
		s.True(dErrors.Is(err, dErrors.CodeInternal))
	})
}

// =============================================================================
// Update / Delete / List / Get
// =============================================================================

func updateRequest(id uuid.UUID, email string) *models.UpdatePatientRequest {
	return &models.UpdatePatientRequest{
		ID:          id,
		Name:        "Bob Jones",
		Address:     "3 New Rd",
		Email:       email,
		DateOfBirth: "1985-02-03",
	}
}

func (s *ServiceSuite) TestUpdate() {
	ctx := context.Background()
	id := uuid.New()

	s.Run("keeping its own email is allowed", func() {
		existing := s.existingPatient(id, "bob@example.com")
		gomock.InOrder(
			s.store.EXPECT().ExistsByEmailExcluding(gomock.Any(), "bob@example.com", id).Return(false, nil),
			s.store.EXPECT().FindByID(gomock.Any(), id).Return(existing, nil),
			s.store.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, p *models.Patient) error {
				s.Equal("3 New Rd", p.Address)
				s.Equal("2023-06-01", p.RegisteredDate.Format(models.DateLayout), "registered date is not updatable")
				return nil
			}),
		)

		patient, err := s.service.Update(ctx, updateRequest(id, "bob@example.com"))
		s.Require().NoError(err)
		s.Equal("3 New Rd", patient.Address)
	})

	s.Run("taking another patient's email is a conflict", func() {
		s.store.EXPECT().ExistsByEmailExcluding(gomock.Any(), "carol@example.com", id).Return(true, nil)

		_, err := s.service.Update(ctx, updateRequest(id, "carol@example.com"))
		s.True(dErrors.Is(err, dErrors.CodeConflict))
	})

	s.Run("unknown patient is not found", func() {
		s.store.EXPECT().ExistsByEmailExcluding(gomock.Any(), gomock.Any(), id).Return(false, nil)
		s.store.EXPECT().FindByID(gomock.Any(), id).Return(nil, store.ErrNotFound)

		_, err := s.service.Update(ctx, updateRequest(id, "bob@example.com"))
		s.True(dErrors.Is(err, dErrors.CodeNotFound))
	})

	s.Run("invalid request touches nothing", func() {
		req := updateRequest(id, "not-an-email")
		_, err := s.service.Update(ctx, req)
		s.True(dErrors.Is(err, dErrors.CodeValidation))
	})

	s.Run("concurrent writer taking the email is caught by the store", func() {
		s.store.EXPECT().ExistsByEmailExcluding(gomock.Any(), gomock.Any(), id).Return(false, nil)
		s.store.EXPECT().FindByID(gomock.Any(), id).Return(s.existingPatient(id, "bob@example.com"), nil)
		s.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(store.ErrConflict)

		_, err := s.service.Update(ctx, updateRequest(id, "dave@example.com"))
		s.True(dErrors.Is(err, dErrors.CodeConflict))
	})
}

func (s *ServiceSuite) TestDelete() {
	ctx := context.Background()
	id := uuid.New()

	s.Run("existing patient is removed", func() {
		gomock.InOrder(
			s.store.EXPECT().FindByID(gomock.Any(), id).Return(s.existingPatient(id, "bob@example.com"), nil),
			s.store.EXPECT().DeleteByID(gomock.Any(), id).Return(nil),
		)
		s.NoError(s.service.Delete(ctx, id))
	})

	s.Run("unknown patient is not found and nothing is deleted", func() {
		s.store.EXPECT().FindByID(gomock.Any(), id).Return(nil, store.ErrNotFound)
		err := s.service.Delete(ctx, id)
		s.True(dErrors.Is(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestListAndGet() {
	ctx := context.Background()
	a := s.existingPatient(uuid.New(), "a@example.com")
	b := s.existingPatient(uuid.New(), "b@example.com")

	s.Run("list returns every patient", func() {
		s.store.EXPECT().FindAll(gomock.Any()).Return([]*models.Patient{a, b}, nil)
		patients, err := s.service.List(ctx)
		s.Require().NoError(err)
		s.Len(patients, 2)
	})

	s.Run("list failure is internal", func() {
		s.store.EXPECT().FindAll(gomock.Any()).Return(nil, errors.New("boom"))
		_, err := s.service.List(ctx)
		s.True(dErrors.Is(err, dErrors.CodeInternal))
	})

	s.Run("get by id", func() {
		s.store.EXPECT().FindByID(gomock.Any(), a.ID).Return(a, nil)
		got, err := s.service.Get(ctx, a.ID)
		s.Require().NoError(err)
		s.Equal(a, got)
	})
}
