package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"patientsync/internal/patient/events"
	"patientsync/internal/patient/models"
	dErrors "patientsync/pkg/domain-errors"
	"patientsync/pkg/platform/sentinel"
)

type fakeBilling struct {
	mu    sync.Mutex
	errs  []error
	calls []string
	log   *[]string
}

func (f *fakeBilling) CreateBillingAccount(_ context.Context, patientID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, patientID)
	*f.log = append(*f.log, "billing:"+patientID)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

type fakePublisher struct {
	mu     sync.Mutex
	errs   []error
	events []events.PatientEvent
	log    *[]string
}

func (f *fakePublisher) Publish(_ context.Context, ev events.PatientEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.log = append(*f.log, "event:"+ev.PatientID)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	f.events = append(f.events, ev)
	return nil
}

type fakeLeader struct {
	leading  bool
	released bool
}

func (f *fakeLeader) Acquire(context.Context) (bool, error) { return f.leading, nil }
func (f *fakeLeader) Release(context.Context) error {
	f.released = true
	return nil
}

type DispatcherSuite struct {
	suite.Suite
	ctx       context.Context
	now       time.Time
	store     *InMemoryStore
	billing   *fakeBilling
	publisher *fakePublisher
	calls     []string
	metrics   *Metrics
	dispatch  *Dispatcher
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.calls = nil
	s.store = NewInMemoryStore()
	s.billing = &fakeBilling{log: &s.calls}
	s.publisher = &fakePublisher{log: &s.calls}
	s.metrics = NewMetrics(prometheus.NewRegistry())
	s.dispatch = NewDispatcher(s.store, s.billing, s.publisher,
		WithClock(func() time.Time { return s.now }),
		WithMetrics(s.metrics),
		WithMaxAttempts(3),
		WithBackoff(time.Second, 4*time.Second),
	)
}

func (s *DispatcherSuite) enqueuePatient(email string) *Entry {
	p, err := models.NewPatient(uuid.New(), "Jane Doe", "1 Main St", email,
		time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC), s.now)
	s.Require().NoError(err)
	e, err := NewPatientCreated(p, s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Enqueue(s.ctx, e))
	return e
}

func (s *DispatcherSuite) entry(id uuid.UUID) *Entry {
	e, ok := s.store.Get(id)
	s.Require().True(ok)
	return e
}

func (s *DispatcherSuite) TestDeliversBillingThenEvent() {
	e := s.enqueuePatient("jane@example.com")

	n, err := s.dispatch.DrainOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	id := e.AggregateID.String()
	s.Equal([]string{"billing:" + id, "event:" + id}, s.calls)
	s.Equal(StageDone, s.entry(e.ID).Stage)
	s.Require().Len(s.publisher.events, 1)
	s.Equal("jane@example.com", s.publisher.events[0].Email)
	s.Equal(events.TypePatientCreated, s.publisher.events[0].EventType)

	pending, err := s.store.Pending(s.ctx)
	s.Require().NoError(err)
	s.Empty(pending)
}

func (s *DispatcherSuite) TestBillingUnavailableRetriesWithBackoff() {
	s.billing.errs = []error{dErrors.New(dErrors.CodeUnavailable, "down")}
	e := s.enqueuePatient("retry@example.com")

	_, err := s.dispatch.DrainOnce(s.ctx)
	s.Require().NoError(err)
	got := s.entry(e.ID)
	s.Equal(StageBilling, got.Stage)
	s.Equal(1, got.Attempts)
	s.Equal(s.now.Add(time.Second), got.NextAttemptAt)
	s.Empty(s.publisher.events, "no event before billing succeeds")

	n, err := s.dispatch.DrainOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(n, "not due yet")

	s.now = s.now.Add(time.Second)
	_, err = s.dispatch.DrainOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(StageDone, s.entry(e.ID).Stage)
	s.Len(s.billing.calls, 2)
}

func (s *DispatcherSuite) TestBillingRejectedIsDeadImmediately() {
	s.billing.errs = []error{dErrors.New(dErrors.CodeRejected, "invalid email")}
	e := s.enqueuePatient("rejected@example.com")

	_, err := s.dispatch.DrainOnce(s.ctx)
	s.Require().NoError(err)
	got := s.entry(e.ID)
	s.Equal(StageDead, got.Stage)
	s.Contains(got.LastError, "invalid email")
	s.Empty(s.publisher.events)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.DeadLetters))
}

func (s *DispatcherSuite) TestEventFailureDoesNotRepeatBilling() {
	s.publisher.errs = []error{dErrors.New(dErrors.CodeUnavailable, "broker down")}
	e := s.enqueuePatient("event@example.com")

	_, err := s.dispatch.DrainOnce(s.ctx)
	s.Require().NoError(err)
	got := s.entry(e.ID)
	s.Equal(StageEvent, got.Stage)
	s.Equal(1, got.Attempts)

	s.now = s.now.Add(time.Second)
	_, err = s.dispatch.DrainOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(StageDone, s.entry(e.ID).Stage)
	s.Len(s.billing.calls, 1)
	s.Len(s.publisher.events, 1)
}

func (s *DispatcherSuite) TestMaxAttemptsDeadLetters() {
	down := dErrors.New(dErrors.CodeUnavailable, "down")
	s.billing.errs = []error{down, down, down}
	e := s.enqueuePatient("flaky@example.com")

	for range 3 {
		_, err := s.dispatch.DrainOnce(s.ctx)
		s.Require().NoError(err)
		s.now = s.now.Add(time.Minute)
	}
	got := s.entry(e.ID)
	s.Equal(StageDead, got.Stage)
	s.Equal(3, got.Attempts)
}

func (s *DispatcherSuite) TestEncodingFailureIsPermanent() {
	s.publisher.errs = []error{dErrors.New(dErrors.CodeEncoding, "bad payload")}
	e := s.enqueuePatient("enc@example.com")

	_, err := s.dispatch.DrainOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(StageDead, s.entry(e.ID).Stage)
}

func (s *DispatcherSuite) TestUndecodablePayloadIsDead() {
	e := &Entry{
		ID:            uuid.New(),
		AggregateType: AggregatePatient,
		AggregateID:   uuid.New(),
		EventType:     EventPatientCreated,
		Payload:       []byte("{"),
		Stage:         StageBilling,
		NextAttemptAt: s.now,
		CreatedAt:     s.now,
	}
	s.Require().NoError(s.store.Enqueue(s.ctx, e))

	_, err := s.dispatch.DrainOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(StageDead, s.entry(e.ID).Stage)
	s.Empty(s.billing.calls)
}

func (s *DispatcherSuite) TestProcessesOldestFirst() {
	first := s.enqueuePatient("first@example.com")
	s.now = s.now.Add(time.Millisecond)
	second := s.enqueuePatient("second@example.com")

	_, err := s.dispatch.DrainOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{
		"billing:" + first.AggregateID.String(),
		"event:" + first.AggregateID.String(),
		"billing:" + second.AggregateID.String(),
		"event:" + second.AggregateID.String(),
	}, s.calls)
}

func (s *DispatcherSuite) TestFollowerDoesNotDrain() {
	leader := &fakeLeader{leading: false}
	d := NewDispatcher(s.store, s.billing, s.publisher,
		WithClock(func() time.Time { return s.now }),
		WithLeader(leader),
	)
	s.enqueuePatient("follower@example.com")

	n, err := d.DrainOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
	s.Empty(s.billing.calls)

	leader.leading = true
	n, err = d.DrainOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *DispatcherSuite) TestRunStopsOnCancel() {
	leader := &fakeLeader{leading: true}
	d := NewDispatcher(s.store, s.billing, s.publisher,
		WithLeader(leader),
		WithPollInterval(5*time.Millisecond),
	)
	s.enqueuePatient("run@example.com")

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	s.Eventually(func() bool {
		pending, _ := s.store.Pending(s.ctx)
		return len(pending) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	s.NoError(<-done)
	s.True(leader.released)
}

func TestBackoff(t *testing.T) {
	base, limit := time.Second, 5*time.Minute
	assert.Equal(t, time.Second, Backoff(base, limit, 1))
	assert.Equal(t, 2*time.Second, Backoff(base, limit, 2))
	assert.Equal(t, 8*time.Second, Backoff(base, limit, 4))
	assert.Equal(t, limit, Backoff(base, limit, 20))
	assert.Equal(t, time.Second, Backoff(base, limit, 0))
}

func TestInMemoryStore_ClaimLease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemoryStore()
	e := &Entry{ID: uuid.New(), Payload: []byte("{}"), Stage: StageBilling, NextAttemptAt: now, CreatedAt: now}
	assert.NoError(t, store.Enqueue(ctx, e))
	assert.Error(t, store.Enqueue(ctx, e), "duplicate id")

	claimed, err := store.ClaimDue(ctx, now, 10, time.Minute)
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)

	again, err := store.ClaimDue(ctx, now.Add(30*time.Second), 10, time.Minute)
	assert.NoError(t, err)
	assert.Empty(t, again, "leased entry is hidden")

	expired, err := store.ClaimDue(ctx, now.Add(2*time.Minute), 10, time.Minute)
	assert.NoError(t, err)
	assert.Len(t, expired, 1, "lease expiry makes the entry claimable again")

	assert.True(t, errors.Is(store.Advance(ctx, uuid.New(), StageDone, now), sentinel.ErrNotFound))
}
