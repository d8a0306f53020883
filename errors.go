package sgx_sp

import (
	"errors"

	"github.com/kwonalbert/sgx_sp/signature"
)

var (
	ErrIOFailure            = errors.New("i/o failure")
	ErrAttestationFailed    = errors.New("attestation failed")
	ErrChannelFailure       = errors.New("secure channel failure")
	ErrTimeout              = errors.New("timed out")
	ErrNoMasterKey          = errors.New("no master key")
	ErrMasterKeyConsumed    = errors.New("master key already consumed")
	ErrUnexpectedMessage    = errors.New("unexpected message from enclave")
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// Kind names the failure class of err, for diagnostics. It never looks at
// anything but the error chain.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrAttestationFailed):
		return "AttestationFailed"
	case errors.Is(err, ErrChannelFailure):
		return "ChannelFailure"
	case errors.Is(err, ErrNoMasterKey), errors.Is(err, ErrMasterKeyConsumed):
		return "MasterKey"
	case errors.Is(err, ErrUnexpectedMessage):
		return "UnexpectedMessage"
	case errors.Is(err, ErrSessionNotFound):
		return "SessionNotFound"
	case errors.Is(err, ErrInvalidConfiguration):
		return "InvalidConfiguration"
	case errors.Is(err, signature.ErrBadPrivateKey):
		return "BadPrivateKey"
	case errors.Is(err, signature.ErrBadPublicKey):
		return "BadPublicKey"
	case errors.Is(err, signature.ErrBadSignature):
		return "BadSignature"
	case errors.Is(err, signature.ErrSigningFailure):
		return "SigningFailure"
	case errors.Is(err, ErrIOFailure), errors.Is(err, signature.ErrIO):
		return "IOFailure"
	default:
		return "Internal"
	}
}
