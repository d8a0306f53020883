package sgx_sp

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kwonalbert/sgx_sp/signature"
	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{nil, ""},
		{ErrTimeout, "Timeout"},
		{fmt.Errorf("%w: %w", ErrIOFailure, ErrTimeout), "Timeout"},
		{fmt.Errorf("%w: bad quote", ErrAttestationFailed), "AttestationFailed"},
		{channelError("read", errRecordAuth), "ChannelFailure"},
		{ErrNoMasterKey, "MasterKey"},
		{ErrMasterKeyConsumed, "MasterKey"},
		{ErrUnexpectedMessage, "UnexpectedMessage"},
		{ErrSessionNotFound, "SessionNotFound"},
		{invalid("x"), "InvalidConfiguration"},
		{signature.ErrBadPrivateKey, "BadPrivateKey"},
		{signature.ErrBadPublicKey, "BadPublicKey"},
		{signature.ErrBadSignature, "BadSignature"},
		{signature.ErrSigningFailure, "SigningFailure"},
		{signature.ErrIO, "IOFailure"},
		{fmt.Errorf("%w: eof", ErrIOFailure), "IOFailure"},
		{&PhaseError{Phase: StateAttesting, Err: ErrAttestationFailed}, "AttestationFailed"},
		{errors.New("boom"), "Internal"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, Kind(tc.err), "%v", tc.err)
	}
}
