package sgx_sp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

const challengeSize = 32

// AttestationResult is what a successful attestation yields: the session
// it ran in, the one master key bound to it, and the SP's verdict.
type AttestationResult struct {
	SessionID uint64
	MasterKey *MasterKey
	Verdict   *Verdict
}

// Attestor runs the SP side of remote attestation against one client
// stream at a time. It is safe to share; every Attest call uses a fresh
// session.
type Attestor struct {
	cfg      *configuration
	verifier QuoteVerifier
	log      *slog.Logger
}

// NewAttestor loads the configuration. A nil verifier selects IAS, or the
// insecure verifier when SkipIAS is set.
func NewAttestor(config *Configuration, verifier QuoteVerifier, logger *slog.Logger) (*Attestor, error) {
	cfg, err := parseConfiguration(config)
	if err != nil {
		return nil, err
	}
	return newAttestor(cfg, verifier, logger), nil
}

func newAttestor(cfg *configuration, verifier QuoteVerifier, logger *slog.Logger) *Attestor {
	if logger == nil {
		logger = discardLogger()
	}
	if verifier == nil {
		if cfg.skipIAS {
			verifier = &InsecureVerifier{Log: logger}
		} else {
			verifier = NewIAS(cfg.release, cfg.subscription, cfg.iasReportKey, cfg.allowedAdvisories)
		}
	}
	return &Attestor{cfg: cfg, verifier: verifier, log: logger}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// randomSessionID returns a random non-zero id that inUse does not claim.
// 0 is reserved.
func randomSessionID(inUse func(uint64) bool) (uint64, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint64(b[:])
		if id == 0 || (inUse != nil && inUse(id)) {
			continue
		}
		return id, nil
	}
}

func newChallenge(id uint64) (*Challenge, error) {
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}
	return &Challenge{SessionId: id, Challenge: challenge}, nil
}

func (a *Attestor) newSession(id uint64) (*Session, error) {
	return newSession(id, a.cfg, a.verifier)
}

// Attest runs one attestation over client. Every failure is reported as
// ErrAttestationFailed. A deadline on ctx is applied to client when it is
// a net.Conn.
func (a *Attestor) Attest(ctx context.Context, client io.ReadWriter) (*AttestationResult, error) {
	if conn, ok := client.(net.Conn); ok {
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
			defer conn.SetDeadline(time.Time{})
		}
	}

	id, err := randomSessionID(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: session id: %v", ErrAttestationFailed, err)
	}
	sn, err := a.newSession(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationFailed, err)
	}
	defer sn.Close()

	log := a.log.With("session", id)
	result, err := a.run(ctx, sn, client)
	if err != nil {
		log.Warn("Attestation failed", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrAttestationFailed, err)
	}
	log.Info("Enclave attested", "mrenclave", fmt.Sprintf("%x", result.Verdict.Mrenclave))
	return result, nil
}

func (a *Attestor) run(ctx context.Context, sn *Session, rw io.ReadWriter) (*AttestationResult, error) {
	log := a.log.With("session", sn.Id())

	challenge, err := newChallenge(sn.Id())
	if err != nil {
		return nil, fmt.Errorf("challenge: %w", err)
	}
	if err := writeMessage(rw, challenge); err != nil {
		return nil, fmt.Errorf("send challenge: %w", err)
	}

	msg1 := &Msg1{}
	if err := readMessage(rw, msg1); err != nil {
		return nil, fmt.Errorf("receive msg1: %w", err)
	}
	log.Debug("Processing msg1")
	if err := sn.ProcessMsg1(msg1); err != nil {
		return nil, err
	}
	msg2, err := sn.CreateMsg2(ctx)
	if err != nil {
		return nil, err
	}
	if err := writeMessage(rw, msg2); err != nil {
		return nil, fmt.Errorf("send msg2: %w", err)
	}

	msg3 := &Msg3{}
	if err := readMessage(rw, msg3); err != nil {
		return nil, fmt.Errorf("receive msg3: %w", err)
	}
	log.Debug("Processing msg3")
	if err := sn.ProcessMsg3(ctx, msg3); err != nil {
		if werr := writeMessage(rw, sn.CreateRejection()); werr != nil {
			log.Debug("Could not send rejection", "err", werr)
		}
		return nil, err
	}
	msg4, err := sn.CreateMsg4()
	if err != nil {
		return nil, err
	}
	if err := writeMessage(rw, msg4); err != nil {
		return nil, fmt.Errorf("send msg4: %w", err)
	}

	mk, err := sn.MasterKey()
	if err != nil {
		return nil, err
	}
	return &AttestationResult{
		SessionID: sn.Id(),
		MasterKey: mk,
		Verdict:   sn.Verdict(),
	}, nil
}
