package sgx_sp

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// The Attestation gRPC service drives the same msg0..msg4 exchange as the
// stream protocol, one RPC per round trip.

type AttestationServer interface {
	StartAttestation(context.Context, *Request) (*Challenge, error)
	SendMsg1(context.Context, *Msg1) (*Msg2, error)
	SendMsg3(context.Context, *Msg3) (*Msg4, error)
}

type AttestationClient interface {
	StartAttestation(ctx context.Context, in *Request, opts ...grpc.CallOption) (*Challenge, error)
	SendMsg1(ctx context.Context, in *Msg1, opts ...grpc.CallOption) (*Msg2, error)
	SendMsg3(ctx context.Context, in *Msg3, opts ...grpc.CallOption) (*Msg4, error)
}

const (
	attestationServiceName     = "sgx_sp.Attestation"
	methodStartAttestation     = "/sgx_sp.Attestation/StartAttestation"
	methodSendMsg1             = "/sgx_sp.Attestation/SendMsg1"
	methodSendMsg3             = "/sgx_sp.Attestation/SendMsg3"
	attestationServiceMetadata = "attestation.proto"
)

type attestationClient struct {
	cc grpc.ClientConnInterface
}

func NewAttestationClient(cc grpc.ClientConnInterface) AttestationClient {
	return &attestationClient{cc}
}

func (c *attestationClient) StartAttestation(ctx context.Context, in *Request, opts ...grpc.CallOption) (*Challenge, error) {
	out := new(Challenge)
	if err := c.cc.Invoke(ctx, methodStartAttestation, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *attestationClient) SendMsg1(ctx context.Context, in *Msg1, opts ...grpc.CallOption) (*Msg2, error) {
	out := new(Msg2)
	if err := c.cc.Invoke(ctx, methodSendMsg1, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *attestationClient) SendMsg3(ctx context.Context, in *Msg3, opts ...grpc.CallOption) (*Msg4, error) {
	out := new(Msg4)
	if err := c.cc.Invoke(ctx, methodSendMsg3, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func RegisterAttestationServer(s grpc.ServiceRegistrar, srv AttestationServer) {
	s.RegisterService(&attestationServiceDesc, srv)
}

func startAttestationHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AttestationServer).StartAttestation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStartAttestation}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AttestationServer).StartAttestation(ctx, req.(*Request))
	}
	return interceptor(ctx, in, info, handler)
}

func sendMsg1Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Msg1)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AttestationServer).SendMsg1(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSendMsg1}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AttestationServer).SendMsg1(ctx, req.(*Msg1))
	}
	return interceptor(ctx, in, info, handler)
}

func sendMsg3Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Msg3)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AttestationServer).SendMsg3(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSendMsg3}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AttestationServer).SendMsg3(ctx, req.(*Msg3))
	}
	return interceptor(ctx, in, info, handler)
}

var attestationServiceDesc = grpc.ServiceDesc{
	ServiceName: attestationServiceName,
	HandlerType: (*AttestationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartAttestation", Handler: startAttestationHandler},
		{MethodName: "SendMsg1", Handler: sendMsg1Handler},
		{MethodName: "SendMsg3", Handler: sendMsg3Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: attestationServiceMetadata,
}

type server struct {
	sm  SessionManager
	log *slog.Logger
}

// NewAttestationServer serves the gRPC service from a SessionManager.
func NewAttestationServer(sm SessionManager, logger *slog.Logger) AttestationServer {
	if logger == nil {
		logger = discardLogger()
	}
	return &server{sm: sm, log: logger}
}

func (s *server) StartAttestation(ctx context.Context, in *Request) (*Challenge, error) {
	s.log.Debug("Starting attestation")
	challenge, err := s.sm.NewSession(ctx, in)
	return challenge, toStatus(err)
}

func (s *server) SendMsg1(ctx context.Context, in *Msg1) (*Msg2, error) {
	s.log.Debug("Processing msg1", "session", in.SessionId)
	msg2, err := s.sm.Msg1ToMsg2(ctx, in)
	return msg2, toStatus(err)
}

func (s *server) SendMsg3(ctx context.Context, in *Msg3) (*Msg4, error) {
	s.log.Debug("Processing msg3", "session", in.SessionId)
	msg4, err := s.sm.Msg3ToMsg4(ctx, in)
	return msg4, toStatus(err)
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, ErrSessionNotFound):
		code = codes.NotFound
	case errors.Is(err, ErrAttestationFailed):
		code = codes.PermissionDenied
	}
	return status.Error(code, err.Error())
}
