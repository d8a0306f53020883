package sgx_sp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/hkdf"
)

// The record layer under SecureChannel. Each direction has its own
// AES-128-GCM key derived from the master key, and a sequence number that
// doubles as the nonce. A record is
//
//	[uint32 BE sealed length][ciphertext || tag]
//
// with the length header as additional data.

const (
	maxRecordPayload = 16 << 10
	recordHeaderSize = 4
	gcmNonceSize     = 12
	gcmTagSize       = 16
	channelKeySize   = 16
)

type role int

const (
	roleSP role = iota
	roleEnclave
)

var (
	labelSPToEnclave = []byte("sgx_sp channel sp->enclave")
	labelEnclaveToSP = []byte("sgx_sp channel enclave->sp")

	errRecordAuth   = errors.New("record authentication failed")
	errRecordLength = errors.New("bad record length")
	errSeqExhausted = errors.New("record sequence exhausted")
)

type halfConn struct {
	aead cipher.AEAD
	key  []byte
	seq  uint64
}

func newHalfConn(master []byte, label []byte) (*halfConn, error) {
	key := make([]byte, channelKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, label), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &halfConn{aead: aead, key: key}, nil
}

func (h *halfConn) nextNonce() ([]byte, error) {
	if h.seq == math.MaxUint64 {
		return nil, errSeqExhausted
	}
	nonce := make([]byte, gcmNonceSize)
	binary.BigEndian.PutUint64(nonce[gcmNonceSize-8:], h.seq)
	h.seq++
	return nonce, nil
}

func (h *halfConn) wipe() {
	wipe(h.key)
	h.aead = nil
}

type transport struct {
	conn io.ReadWriter
	in   *halfConn
	out  *halfConn

	// decrypted bytes not yet returned by Read
	pending []byte
}

func newTransport(conn io.ReadWriter, master [MasterKeySize]byte, r role) (*transport, error) {
	sendLabel, recvLabel := labelSPToEnclave, labelEnclaveToSP
	if r == roleEnclave {
		sendLabel, recvLabel = recvLabel, sendLabel
	}
	out, err := newHalfConn(master[:], sendLabel)
	if err != nil {
		return nil, fmt.Errorf("derive send key: %w", err)
	}
	in, err := newHalfConn(master[:], recvLabel)
	if err != nil {
		return nil, fmt.Errorf("derive receive key: %w", err)
	}
	return &transport{conn: conn, in: in, out: out}, nil
}

func (t *transport) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxRecordPayload {
			chunk = chunk[:maxRecordPayload]
		}
		if err := t.writeRecord(chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (t *transport) writeRecord(plaintext []byte) error {
	nonce, err := t.out.nextNonce()
	if err != nil {
		return err
	}
	record := make([]byte, recordHeaderSize, recordHeaderSize+len(plaintext)+gcmTagSize)
	binary.BigEndian.PutUint32(record, uint32(len(plaintext)+gcmTagSize))
	record = t.out.aead.Seal(record, nonce, plaintext, record[:recordHeaderSize])
	_, err = t.conn.Write(record)
	return err
}

func (t *transport) Read(p []byte) (int, error) {
	for len(t.pending) == 0 {
		plaintext, err := t.readRecord()
		if err != nil {
			return 0, err
		}
		t.pending = plaintext
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

// readRecord returns io.EOF only when the stream ends on a record boundary.
func (t *transport) readRecord() ([]byte, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(t.conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n < gcmTagSize || n > maxRecordPayload+gcmTagSize {
		return nil, errRecordLength
	}
	sealed := make([]byte, n)
	if _, err := io.ReadFull(t.conn, sealed); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	nonce, err := t.in.nextNonce()
	if err != nil {
		return nil, err
	}
	plaintext, err := t.in.aead.Open(sealed[:0], nonce, sealed, hdr[:])
	if err != nil {
		return nil, errRecordAuth
	}
	return plaintext, nil
}

func (t *transport) wipe() {
	t.in.wipe()
	t.out.wipe()
	wipe(t.pending)
	t.pending = nil
}
