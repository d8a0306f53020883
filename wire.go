package sgx_sp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	proto "github.com/golang/protobuf/proto"
)

const (
	// DefaultMaxMessageSize bounds a single framed message read from the
	// enclave.
	DefaultMaxMessageSize = 64 << 20

	// Attestation messages are small; the largest is msg2 with a SigRL.
	maxAttestationMessageSize = 1 << 20

	frameHeaderSize = 4
)

var errFrameTooLarge = errors.New("frame too large")

// writeFrame writes a 4-byte big-endian length followed by b, in a single
// Write call.
func writeFrame(w io.Writer, b []byte) error {
	if uint64(len(b)) > math.MaxUint32 {
		return errFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[frameHeaderSize:], b)
	_, err := w.Write(buf)
	return err
}

// readFrame returns exactly the declared number of bytes or an error. A
// stream that ends inside a frame yields io.ErrUnexpectedEOF.
func readFrame(r io.Reader, max uint32) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > max {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", errFrameTooLarge, n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func writeMessage(w io.Writer, m proto.Message) error {
	b, err := proto.Marshal(m)
	if err != nil {
		return err
	}
	return writeFrame(w, b)
}

func readMessage(r io.Reader, m proto.Message) error {
	b, err := readFrame(r, maxAttestationMessageSize)
	if err != nil {
		return err
	}
	return proto.Unmarshal(b, m)
}
