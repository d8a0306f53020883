package sgx_sp

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionManager basically implements (though not exactly) the
// AttestationServer interface, and higher level codes can use it to
// quickly instantiate an AttestationServer. See NewAttestationServer.
type SessionManager interface {
	GetSession(id uint64) (*Session, bool)

	NewSession(ctx context.Context, in *Request) (*Challenge, error)

	Msg1ToMsg2(ctx context.Context, msg1 *Msg1) (*Msg2, error)

	Msg3ToMsg4(ctx context.Context, msg3 *Msg3) (*Msg4, error)
}

// AttestedHandler receives the result of every attestation the manager
// completes. It owns the master key from then on.
type AttestedHandler func(result *AttestationResult)

type SessionManagerOption func(*sessionManager)

func WithAttestedHandler(h AttestedHandler) SessionManagerOption {
	return func(sm *sessionManager) {
		sm.onAttested = h
	}
}

type sessionManager struct {
	attestor   *Attestor
	sessions   Cache
	onAttested AttestedHandler
	log        *slog.Logger
}

func NewSessionManager(attestor *Attestor, opts ...SessionManagerOption) SessionManager {
	timeout := time.Duration(attestor.cfg.timeout) * time.Minute
	sm := &sessionManager{
		attestor: attestor,
		sessions: NewCache(attestor.cfg.maxSessions, timeout),
		log:      attestor.log,
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

func (sm *sessionManager) GetSession(id uint64) (*Session, bool) {
	return sm.sessions.Get(id)
}

func (sm *sessionManager) NewSession(ctx context.Context, in *Request) (*Challenge, error) {
	id, err := randomSessionID(func(id uint64) bool {
		_, ok := sm.GetSession(id)
		return ok
	})
	if err != nil {
		return nil, err
	}
	challenge, err := newChallenge(id)
	if err != nil {
		return nil, err
	}
	session, err := sm.attestor.newSession(id)
	if err != nil {
		return nil, err
	}
	sm.log.Debug("Creating new session", "session", id)
	sm.sessions.Set(id, session)
	return challenge, nil
}

func (sm *sessionManager) lookup(id uint64) (*Session, error) {
	session, ok := sm.GetSession(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return session, nil
}

// rejected drops the session. Protocol failures are final.
func (sm *sessionManager) rejected(id uint64, err error) error {
	sm.sessions.Delete(id)
	sm.log.Warn("Attestation failed", "session", id, "err", err)
	return fmt.Errorf("%w: %v", ErrAttestationFailed, err)
}

func (sm *sessionManager) Msg1ToMsg2(ctx context.Context, msg1 *Msg1) (*Msg2, error) {
	if msg1 == nil {
		return nil, fmt.Errorf("%w: empty msg1", ErrAttestationFailed)
	}
	session, err := sm.lookup(msg1.SessionId)
	if err != nil {
		return nil, err
	}

	// If msgs are invalid, or if we fail to create the message
	// (e.g., IAS is unreachable), then the session is removed from
	// the list.
	if err := session.ProcessMsg1(msg1); err != nil {
		return nil, sm.rejected(msg1.SessionId, err)
	}
	msg2, err := session.CreateMsg2(ctx)
	if err != nil {
		return nil, sm.rejected(msg1.SessionId, err)
	}
	return msg2, nil
}

func (sm *sessionManager) Msg3ToMsg4(ctx context.Context, msg3 *Msg3) (*Msg4, error) {
	if msg3 == nil {
		return nil, fmt.Errorf("%w: empty msg3", ErrAttestationFailed)
	}
	id := msg3.SessionId
	session, err := sm.lookup(id)
	if err != nil {
		return nil, err
	}

	if err := session.ProcessMsg3(ctx, msg3); err != nil {
		return nil, sm.rejected(id, err)
	}
	msg4, err := session.CreateMsg4()
	if err != nil {
		return nil, sm.rejected(id, err)
	}
	mk, err := session.MasterKey()
	if err != nil {
		return nil, sm.rejected(id, err)
	}
	result := &AttestationResult{
		SessionID: id,
		MasterKey: mk,
		Verdict:   session.Verdict(),
	}
	// The session has served its purpose; SK and the rest go with it.
	sm.sessions.Delete(id)

	sm.log.Info("Enclave attested", "session", id)
	if sm.onAttested != nil {
		sm.onAttested(result)
	} else {
		mk.Destroy()
	}
	return msg4, nil
}
