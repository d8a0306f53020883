package sgx_sp

import "fmt"

// Offsets into an EPID quote (sgx_quote_t).
const (
	QUOTE_MIN_SIZE  = 436
	QUOTE_BODY_SIZE = 432

	ATTRIBUTES_OFFSET  = 96
	MRENCLAVE_OFFSET   = 112
	MRENCLAVE_SIZE     = 32
	REPORT_DATA_OFFSET = 368
	REPORT_DATA_SIZE   = 64

	SGX_FLAGS_DEBUG = 0x02
)

type quote []byte

func parseQuote(b []byte) (quote, error) {
	if len(b) < QUOTE_MIN_SIZE {
		return nil, fmt.Errorf("quote too short: %d bytes", len(b))
	}
	return quote(b), nil
}

func (q quote) mrenclave() [MRENCLAVE_SIZE]byte {
	var mr [MRENCLAVE_SIZE]byte
	copy(mr[:], q[MRENCLAVE_OFFSET:MRENCLAVE_OFFSET+MRENCLAVE_SIZE])
	return mr
}

func (q quote) reportData() []byte {
	return q[REPORT_DATA_OFFSET : REPORT_DATA_OFFSET+REPORT_DATA_SIZE]
}

func (q quote) debug() bool {
	return q[ATTRIBUTES_OFFSET]&SGX_FLAGS_DEBUG != 0
}

// body is the part of the quote IAS echoes back in its report.
func (q quote) body() []byte {
	return q[:QUOTE_BODY_SIZE]
}
