package billing

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StubServer is an in-memory billing provider for local runs and tests.
// Provisioning is idempotent per patient ID.
type StubServer struct {
	mu       sync.Mutex
	accounts map[string]*CreateAccountResponse
	logger   *slog.Logger
}

func NewStubServer(logger *slog.Logger) *StubServer {
	return &StubServer{accounts: make(map[string]*CreateAccountResponse), logger: logger}
}

func (s *StubServer) CreateBillingAccount(ctx context.Context, req *CreateAccountRequest) (*CreateAccountResponse, error) {
	if strings.TrimSpace(req.PatientID) == "" {
		return nil, status.Error(codes.InvalidArgument, "patient_id is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	if strings.TrimSpace(req.Email) == "" {
		return nil, status.Error(codes.InvalidArgument, "email is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.accounts[req.PatientID]; ok {
		return existing, nil
	}
	account := &CreateAccountResponse{AccountID: uuid.NewString(), Status: "ACTIVE"}
	s.accounts[req.PatientID] = account
	s.logger.InfoContext(ctx, "billing account created",
		"patient_id", req.PatientID,
		"account_id", account.AccountID,
	)
	return account, nil
}

// Accounts returns the number of provisioned accounts.
func (s *StubServer) Accounts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}
