package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	dErrors "patientsync/pkg/domain-errors"
	"patientsync/pkg/platform/circuit"
	"patientsync/pkg/requestcontext"
)

const defaultTimeout = 3 * time.Second

// Client calls the billing provisioner. Failures are classified as
// CodeRejected (billing refused the request) or CodeUnavailable (anything
// else, including timeouts and an open circuit).
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	breaker *circuit.Breaker
	logger  *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBreaker fails calls fast while the billing service is known to be down.
func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Dial creates a client for target (host:port).
func Dial(target string, opts ...Option) (*Client, error) {
	// TODO: switch to TLS credentials once billing terminates mTLS.
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to billing service: %w", err)
	}
	return NewClient(conn, opts...), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn, opts ...Option) *Client {
	c := &Client{conn: conn, timeout: defaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// CreateBillingAccount provisions an account for the patient.
func (c *Client) CreateBillingAccount(ctx context.Context, patientID, name, email string) error {
	if c.breaker != nil && !c.breaker.Allow() {
		return dErrors.New(dErrors.CodeUnavailable, "billing service unavailable: circuit open")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "request-id", requestID)
	}

	req := &CreateAccountRequest{PatientID: patientID, Name: name, Email: email}
	resp := &CreateAccountResponse{}
	err := c.conn.Invoke(ctx, createBillingAccountPath, req, resp, grpc.CallContentSubtype(codecName))
	if err != nil {
		mapped := mapGRPCError(err)
		c.record(mapped)
		c.logger.WarnContext(ctx, "billing account provisioning failed",
			"patient_id", patientID,
			"code", dErrors.CodeOf(mapped),
			"error", err,
		)
		return mapped
	}
	c.record(nil)
	c.logger.InfoContext(ctx, "billing account provisioned",
		"patient_id", patientID,
		"account_id", resp.AccountID,
		"status", resp.Status,
	)
	return nil
}

func (c *Client) record(err error) {
	if c.breaker == nil {
		return
	}
	// A rejection proves billing is reachable.
	if err == nil || dErrors.HasCode(err, dErrors.CodeRejected) {
		if _, change := c.breaker.RecordSuccess(); change.Closed {
			c.logger.Info("billing circuit closed")
		}
		return
	}
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.Warn("billing circuit opened")
	}
}

func mapGRPCError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "billing service timeout")
	}
	st, ok := status.FromError(err)
	if !ok {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "billing service unavailable")
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.AlreadyExists, codes.FailedPrecondition,
		codes.PermissionDenied, codes.NotFound:
		return dErrors.Wrap(err, dErrors.CodeRejected, "billing rejected request: "+st.Message())
	case codes.DeadlineExceeded:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "billing service timeout")
	default:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "billing service unavailable")
	}
}
