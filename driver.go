package sgx_sp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.uber.org/atomic"
)

type State int32

const (
	StateAwaitingClient State = iota
	StateAttesting
	StateConnectingEnclave
	StateSecuringChannel
	StateExchangingMessage
	StateDone
	StateError
)

var stateNames = [...]string{
	StateAwaitingClient:    "AwaitingClient",
	StateAttesting:         "Attesting",
	StateConnectingEnclave: "ConnectingEnclave",
	StateSecuringChannel:   "SecuringChannel",
	StateExchangingMessage: "ExchangingMessage",
	StateDone:              "Done",
	StateError:             "Error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// phase is the short name of the work done in state s.
func (s State) phase() string {
	switch s {
	case StateAwaitingClient:
		return "accept"
	case StateAttesting:
		return "attest"
	case StateConnectingEnclave:
		return "connect"
	case StateSecuringChannel:
		return "secure"
	case StateExchangingMessage:
		return "exchange"
	default:
		return s.String()
	}
}

// PhaseError reports which bootstrap phase failed.
type PhaseError struct {
	Phase State
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase failed (%s): %v", e.Phase.phase(), Kind(e.Err), e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type DriverOption func(*Driver)

func WithDialer(d Dialer) DriverOption {
	return func(drv *Driver) {
		drv.dialer = d
	}
}

// Driver runs one bootstrap: attest a client, then read one message from
// the enclave over a channel keyed by the attestation. A Driver is single
// use.
type Driver struct {
	ep       endpoints
	attestor *Attestor
	dialer   Dialer
	log      *slog.Logger
	state    atomic.Int32
}

// NewDriver builds a driver from the network part of config. attestor may
// be nil if only Exchange is used.
func NewDriver(config *Configuration, attestor *Attestor, logger *slog.Logger, opts ...DriverOption) (*Driver, error) {
	if config == nil {
		return nil, invalid("no configuration")
	}
	ep, err := parseEndpoints(config)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = discardLogger()
	}
	d := &Driver{
		ep:       ep,
		attestor: attestor,
		dialer:   &net.Dialer{},
		log:      logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Driver) State() State {
	return State(d.state.Load())
}

func (d *Driver) setState(s State) {
	d.state.Store(int32(s))
	d.log.Debug("Bootstrap state", "state", s.String())
}

func (d *Driver) failed(phase State, err error) error {
	d.setState(StateError)
	d.log.Error("Bootstrap failed", "phase", phase.phase(), "kind", Kind(err), "err", err)
	return &PhaseError{Phase: phase, Err: err}
}

// Run listens on the configured client address and runs the bootstrap for
// the first client that connects.
func (d *Driver) Run(ctx context.Context) (string, error) {
	lis, err := net.Listen("tcp", d.ep.clientAddr)
	if err != nil {
		return "", d.failed(StateAwaitingClient, fmt.Errorf("%w: listen on %s: %w", ErrIOFailure, d.ep.clientAddr, err))
	}
	defer lis.Close()
	return d.RunWithListener(ctx, lis)
}

type deadlineListener interface {
	SetDeadline(t time.Time) error
}

func accept(ctx context.Context, lis net.Listener) (net.Conn, error) {
	if dl, ok := lis.(deadlineListener); ok {
		stop := context.AfterFunc(ctx, func() {
			dl.SetDeadline(time.Now())
		})
		defer func() {
			if stop() {
				return
			}
			dl.SetDeadline(time.Time{})
		}()
	}
	conn, err := lis.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

// RunWithListener is Run on a listener the caller owns.
func (d *Driver) RunWithListener(ctx context.Context, lis net.Listener) (string, error) {
	if d.attestor == nil {
		return "", d.failed(StateAttesting, invalid("driver has no attestor"))
	}
	d.setState(StateAwaitingClient)
	d.log.Info("Waiting for client", "addr", lis.Addr().String())

	client, err := accept(ctx, lis)
	if err != nil {
		return "", d.failed(StateAwaitingClient, classifyNetError("accept client", err))
	}
	defer client.Close()
	d.log.Info("Client connected", "remote", client.RemoteAddr().String())

	d.setState(StateAttesting)
	result, err := d.attestor.Attest(ctx, client)
	if err != nil {
		return "", d.failed(StateAttesting, err)
	}
	d.log.Info("Attestation succeeded", "session", result.SessionID)

	return d.Exchange(ctx, result.MasterKey)
}

func classifyNetError(op string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrIOFailure, op, err)
}

// Exchange connects to the enclave, opens the channel with key and reads
// one message. key is consumed or destroyed on every path.
func (d *Driver) Exchange(ctx context.Context, key *MasterKey) (string, error) {
	defer key.Destroy()
	if key == nil || key.Consumed() {
		err := ErrNoMasterKey
		if key != nil {
			err = ErrMasterKeyConsumed
		}
		return "", d.failed(StateSecuringChannel, err)
	}

	d.setState(StateConnectingEnclave)
	d.log.Info("Connecting to enclave", "addr", d.ep.enclaveAddr, "timeout", d.ep.connectTimeout)
	dialCtx, cancel := context.WithTimeout(ctx, d.ep.connectTimeout)
	conn, err := d.dialer.DialContext(dialCtx, "tcp", d.ep.enclaveAddr)
	cancel()
	if err != nil {
		return "", d.failed(StateConnectingEnclave, classifyNetError("connect to enclave", err))
	}

	d.setState(StateSecuringChannel)
	ch, err := OpenChannel(conn, key, WithMaxMessageSize(d.ep.maxMessageSize))
	if err != nil {
		conn.Close()
		return "", d.failed(StateSecuringChannel, err)
	}
	defer ch.Close()

	d.setState(StateExchangingMessage)
	if d.ep.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(d.ep.readTimeout))
	}
	msg, err := ch.ReadMessage()
	if err != nil {
		return "", d.failed(StateExchangingMessage, err)
	}
	if d.ep.expectedMessage != "" && msg != d.ep.expectedMessage {
		return "", d.failed(StateExchangingMessage, fmt.Errorf("%w: got %d bytes", ErrUnexpectedMessage, len(msg)))
	}

	d.setState(StateDone)
	d.log.Info("Message from enclave", "session", key.SessionID(), "message", msg)
	return msg, nil
}
