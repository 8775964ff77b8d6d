// Package billing provisions billing accounts over gRPC.
//
// Messages travel as JSON through a codec registered with grpc, so the
// service needs no generated stubs:
//
//	/billing.BillingService/CreateBillingAccount
//	  request  {"patient_id","name","email"}
//	  response {"account_id","status"}
package billing

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	serviceName              = "billing.BillingService"
	createBillingAccountPath = "/" + serviceName + "/CreateBillingAccount"
)

// CreateAccountRequest is the provisioning request derived from a new patient.
type CreateAccountRequest struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
}

// CreateAccountResponse describes the provisioned account.
type CreateAccountResponse struct {
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
}

// codecName is negotiated as the content-subtype ("application/grpc+json").
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Server is implemented by billing providers.
type Server interface {
	CreateBillingAccount(ctx context.Context, req *CreateAccountRequest) (*CreateAccountResponse, error)
}

func createBillingAccountHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateAccountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).CreateBillingAccount(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: createBillingAccountPath}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).CreateBillingAccount(ctx, req.(*CreateAccountRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the billing service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateBillingAccount", Handler: createBillingAccountHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "billing.proto",
}

// RegisterServer attaches srv to a grpc server.
func RegisterServer(r grpc.ServiceRegistrar, srv Server) {
	r.RegisterService(&ServiceDesc, srv)
}
