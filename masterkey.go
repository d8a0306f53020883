package sgx_sp

import (
	"fmt"
	"io"

	"go.uber.org/atomic"
)

const MasterKeySize = 16

// MasterKey is the session secret produced by one successful attestation.
// Only this package can create one, and OpenChannel consumes it: the bytes
// are handed out exactly once and zeroed in place at that moment.
//
// A MasterKey prints as a redacted placeholder under every fmt verb.
type MasterKey struct {
	sessionID uint64
	key       *[MasterKeySize]byte
	consumed  atomic.Bool
}

func newMasterKey(sessionID uint64, key []byte) (*MasterKey, error) {
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	mk := &MasterKey{
		sessionID: sessionID,
		key:       new([MasterKeySize]byte),
	}
	copy(mk.key[:], key)
	return mk, nil
}

// SessionID is the attestation session the key was derived in.
func (k *MasterKey) SessionID() uint64 {
	if k == nil {
		return 0
	}
	return k.sessionID
}

// Consumed reports whether the key has been handed to a channel or
// destroyed.
func (k *MasterKey) Consumed() bool {
	return k != nil && k.consumed.Load()
}

func (k *MasterKey) take() ([MasterKeySize]byte, error) {
	var out [MasterKeySize]byte
	if k == nil || k.key == nil {
		return out, ErrNoMasterKey
	}
	if !k.consumed.CompareAndSwap(false, true) {
		return out, ErrMasterKeyConsumed
	}
	out = *k.key
	wipe(k.key[:])
	return out, nil
}

// Destroy zeroes a key that will not be used. It is a no-op on a consumed
// key.
func (k *MasterKey) Destroy() {
	secret, err := k.take()
	if err == nil {
		wipe(secret[:])
	}
}

func (k *MasterKey) String() string {
	if k == nil {
		return "MasterKey(nil)"
	}
	return fmt.Sprintf("MasterKey(session=%d, REDACTED)", k.sessionID)
}

func (k *MasterKey) GoString() string { return k.String() }

func (k *MasterKey) Format(f fmt.State, _ rune) {
	io.WriteString(f, k.String())
}
