package billing

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	dErrors "patientsync/pkg/domain-errors"
	"patientsync/pkg/platform/circuit"
)

type scriptedServer struct {
	err   error
	delay time.Duration
	calls int
}

func (s *scriptedServer) CreateBillingAccount(ctx context.Context, req *CreateAccountRequest) (*CreateAccountResponse, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &CreateAccountResponse{AccountID: "acct-" + req.PatientID, Status: "ACTIVE"}, nil
}

type ClientSuite struct {
	suite.Suite
	listener *bufconn.Listener
	server   *grpc.Server
	impl     *scriptedServer
	logger   *slog.Logger
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.listener = bufconn.Listen(1 << 20)
	s.server = grpc.NewServer()
	s.impl = &scriptedServer{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	RegisterServer(s.server, s.impl)
	go func() { _ = s.server.Serve(s.listener) }()
}

func (s *ClientSuite) TearDownTest() {
	s.server.Stop()
}

func (s *ClientSuite) newClient(opts ...Option) *Client {
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return s.listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Close() })
	return NewClient(conn, append([]Option{WithLogger(s.logger)}, opts...)...)
}

func (s *ClientSuite) TestSuccess() {
	err := s.newClient().CreateBillingAccount(context.Background(), "p-1", "Jane Doe", "jane@example.com")
	s.NoError(err)
	s.Equal(1, s.impl.calls)
}

func (s *ClientSuite) TestStatusMapping() {
	tests := []struct {
		code codes.Code
		want dErrors.Code
	}{
		{codes.InvalidArgument, dErrors.CodeRejected},
		{codes.AlreadyExists, dErrors.CodeRejected},
		{codes.FailedPrecondition, dErrors.CodeRejected},
		{codes.PermissionDenied, dErrors.CodeRejected},
		{codes.NotFound, dErrors.CodeRejected},
		{codes.Unavailable, dErrors.CodeUnavailable},
		{codes.Internal, dErrors.CodeUnavailable},
		{codes.ResourceExhausted, dErrors.CodeUnavailable},
	}
	client := s.newClient()
	for _, tt := range tests {
		s.Run(tt.code.String(), func() {
			s.impl.err = status.Error(tt.code, "nope")
			err := client.CreateBillingAccount(context.Background(), "p-1", "Jane Doe", "jane@example.com")
			s.Require().Error(err)
			s.Equal(tt.want, dErrors.CodeOf(err))
		})
	}
}

func (s *ClientSuite) TestTimeoutIsUnavailable() {
	s.impl.delay = time.Second
	client := s.newClient(WithTimeout(50 * time.Millisecond))

	start := time.Now()
	err := client.CreateBillingAccount(context.Background(), "p-1", "Jane Doe", "jane@example.com")
	s.Require().Error(err)
	s.Equal(dErrors.CodeUnavailable, dErrors.CodeOf(err))
	s.Less(time.Since(start), 900*time.Millisecond)
}

func (s *ClientSuite) TestBreakerFailsFast() {
	s.impl.err = status.Error(codes.Unavailable, "down")
	breaker := circuit.New("billing", circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))
	client := s.newClient(WithBreaker(breaker))

	for range 2 {
		_ = client.CreateBillingAccount(context.Background(), "p-1", "Jane Doe", "jane@example.com")
	}
	s.Require().True(breaker.IsOpen())

	err := client.CreateBillingAccount(context.Background(), "p-1", "Jane Doe", "jane@example.com")
	s.Equal(dErrors.CodeUnavailable, dErrors.CodeOf(err))
	s.Equal(2, s.impl.calls, "open circuit does not reach billing")
}

func (s *ClientSuite) TestRejectionDoesNotTripBreaker() {
	s.impl.err = status.Error(codes.InvalidArgument, "bad email")
	breaker := circuit.New("billing", circuit.WithFailureThreshold(1))
	client := s.newClient(WithBreaker(breaker))

	_ = client.CreateBillingAccount(context.Background(), "p-1", "Jane Doe", "jane@example.com")
	s.False(breaker.IsOpen())
}

func TestStubServer(t *testing.T) {
	stub := NewStubServer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	first, err := stub.CreateBillingAccount(ctx, &CreateAccountRequest{PatientID: "p-1", Name: "Jane", Email: "j@example.com"})
	require.NoError(t, err)
	again, err := stub.CreateBillingAccount(ctx, &CreateAccountRequest{PatientID: "p-1", Name: "Jane", Email: "j@example.com"})
	require.NoError(t, err)
	assert.Equal(t, first.AccountID, again.AccountID)
	assert.Equal(t, 1, stub.Accounts())

	_, err = stub.CreateBillingAccount(ctx, &CreateAccountRequest{PatientID: "p-2", Name: "Jane"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
