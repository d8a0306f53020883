package sgx_sp

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"
)

// channelPair opens both ends of a channel over one shared buffer: what the
// SP writes, the enclave end reads, and the other way around.
func channelPair(t *testing.T, opts ...ChannelOption) (*SecureChannel, *SecureChannel, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	sp, err := OpenChannel(buf, testMasterKey(t, 0x42), opts...)
	require.NoError(t, err)
	enclave, err := openChannel(buf, testMasterKey(t, 0x42), roleEnclave, opts...)
	require.NoError(t, err)
	return sp, enclave, buf
}

func TestChannelRoundTrip(t *testing.T) {
	sp, enclave, _ := channelPair(t)

	require.NoError(t, enclave.WriteMessage([]byte("hello")))
	msg, err := sp.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", msg)

	require.NoError(t, sp.WriteMessage([]byte("and back")))
	frame, err := enclave.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("and back"), frame)
}

func TestChannelEmptyMessage(t *testing.T) {
	sp, enclave, _ := channelPair(t)
	require.NoError(t, enclave.WriteMessage(nil))
	msg, err := sp.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "", msg)
}

func TestChannelLargeMessage(t *testing.T) {
	sp, enclave, _ := channelPair(t)
	big := bytes.Repeat([]byte("0123456789abcdef"), 10000) // spans many records
	require.NoError(t, enclave.WriteMessage(big))
	require.NoError(t, enclave.WriteMessage([]byte("next")))

	got, err := sp.ReadFrame()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(big, got))
	msg, err := sp.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "next", msg)
}

func TestChannelWireFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	mk := testMasterKey(t, 0x42)
	enclave, err := openChannel(buf, mk, roleEnclave)
	require.NoError(t, err)
	require.NoError(t, enclave.WriteMessage([]byte("hi")))

	// one record: 4-byte length, then a sealed "\x00\x00\x00\x02hi"
	record := buf.Bytes()
	require.Len(t, record, recordHeaderSize+frameHeaderSize+2+gcmTagSize)
	assert.Equal(t, uint32(frameHeaderSize+2+gcmTagSize), binary.BigEndian.Uint32(record))

	key := make([]byte, channelKeySize)
	_, err = io.ReadFull(hkdf.New(sha256.New, bytes.Repeat([]byte{0x42}, MasterKeySize), nil, labelEnclaveToSP), key)
	require.NoError(t, err)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)

	plain, err := gcm.Open(nil, make([]byte, gcmNonceSize), record[recordHeaderSize:], record[:recordHeaderSize])
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 2, 'h', 'i'}, plain)
}

func TestChannelTruncatedMessage(t *testing.T) {
	sp, enclave, _ := channelPair(t)

	// a header promising 10 bytes, then only 3
	_, err := enclave.Write([]byte{0, 0, 0, 10, 'a', 'b', 'c'})
	require.NoError(t, err)

	_, err = sp.ReadMessage()
	require.ErrorIs(t, err, ErrChannelFailure)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, again := sp.ReadMessage()
	assert.Equal(t, err, again, "failure is sticky")
}

func TestChannelEOFBeforeMessage(t *testing.T) {
	sp, _, _ := channelPair(t)
	_, err := sp.ReadMessage()
	require.ErrorIs(t, err, ErrChannelFailure)
	assert.ErrorIs(t, err, io.EOF)
}

func TestChannelTampering(t *testing.T) {
	cases := map[string]func(b []byte){
		"flipped ciphertext": func(b []byte) { b[recordHeaderSize+1] ^= 1 },
		"flipped tag":        func(b []byte) { b[len(b)-1] ^= 1 },
		"flipped header":     func(b []byte) { b[3] ^= 1 },
		"bad record length":  func(b []byte) { binary.BigEndian.PutUint32(b, 3) },
	}
	for name, tamper := range cases {
		t.Run(name, func(t *testing.T) {
			sp, enclave, buf := channelPair(t)
			require.NoError(t, enclave.WriteMessage([]byte("one")))
			tamper(buf.Bytes())
			_, err := sp.ReadMessage()
			assert.ErrorIs(t, err, ErrChannelFailure)
		})
	}
}

func TestChannelReplay(t *testing.T) {
	sp, enclave, buf := channelPair(t)
	require.NoError(t, enclave.WriteMessage([]byte("one")))
	record := append([]byte(nil), buf.Bytes()...)
	buf.Write(record)

	msg, err := sp.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "one", msg)

	_, err = sp.ReadMessage()
	assert.ErrorIs(t, err, ErrChannelFailure, "a replayed record has a stale sequence number")
}

func TestChannelWrongKey(t *testing.T) {
	buf := &bytes.Buffer{}
	sp, err := OpenChannel(buf, testMasterKey(t, 1))
	require.NoError(t, err)
	enclave, err := openChannel(buf, testMasterKey(t, 2), roleEnclave)
	require.NoError(t, err)

	require.NoError(t, enclave.WriteMessage([]byte("hello")))
	_, err = sp.ReadMessage()
	assert.ErrorIs(t, err, ErrChannelFailure)
}

func TestChannelDirectionsUseDistinctKeys(t *testing.T) {
	// An SP talking to another SP end must not understand itself.
	buf := &bytes.Buffer{}
	a, err := OpenChannel(buf, testMasterKey(t, 1))
	require.NoError(t, err)
	b, err := OpenChannel(buf, testMasterKey(t, 1))
	require.NoError(t, err)

	require.NoError(t, a.WriteMessage([]byte("reflected")))
	_, err = b.ReadMessage()
	assert.ErrorIs(t, err, ErrChannelFailure)
}

func TestChannelMessageTooLarge(t *testing.T) {
	sp, enclave, _ := channelPair(t, WithMaxMessageSize(8))
	require.NoError(t, enclave.WriteMessage([]byte("more than eight bytes")))
	_, err := sp.ReadMessage()
	assert.ErrorIs(t, err, ErrChannelFailure)
	assert.ErrorIs(t, err, errFrameTooLarge)
}

func TestChannelInvalidUTF8(t *testing.T) {
	sp, enclave, _ := channelPair(t)
	require.NoError(t, enclave.WriteMessage([]byte{0xff, 0xfe}))
	require.NoError(t, enclave.WriteMessage([]byte("ok")))

	_, err := sp.ReadMessage()
	assert.ErrorIs(t, err, ErrChannelFailure)

	msg, err := sp.ReadMessage()
	require.NoError(t, err, "stream stays in sync")
	assert.Equal(t, "ok", msg)
}

func TestOpenChannelKeyChecks(t *testing.T) {
	_, err := OpenChannel(&bytes.Buffer{}, nil)
	assert.ErrorIs(t, err, ErrNoMasterKey)

	mk := testMasterKey(t, 3)
	_, err = OpenChannel(&bytes.Buffer{}, mk)
	require.NoError(t, err)
	assert.True(t, mk.Consumed())

	_, err = OpenChannel(&bytes.Buffer{}, mk)
	assert.ErrorIs(t, err, ErrMasterKeyConsumed)

	mk = testMasterKey(t, 4)
	_, err = OpenChannel(nil, mk)
	assert.ErrorIs(t, err, ErrChannelFailure)
	assert.False(t, mk.Consumed(), "key survives a nil stream")
}

func TestChannelConcurrentWriters(t *testing.T) {
	sp, enclave, _ := channelPair(t)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := bytes.Repeat([]byte(fmt.Sprintf("writer-%d;", i)), 3000)
			assert.NoError(t, enclave.WriteMessage(msg))
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < writers; i++ {
		frame, err := sp.ReadFrame()
		require.NoError(t, err)
		prefix := string(frame[:bytes.IndexByte(frame, ';')+1])
		assert.Equal(t, bytes.Repeat([]byte(prefix), 3000), frame, "messages never interleave")
		seen[prefix] = true
	}
	assert.Len(t, seen, writers)
}

type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestChannelClose(t *testing.T) {
	raw := &closeRecorder{}
	ch, err := OpenChannel(raw, testMasterKey(t, 5))
	require.NoError(t, err)
	sendKey := ch.t.out.key

	require.NoError(t, ch.Close())
	assert.True(t, raw.closed)
	assert.Equal(t, make([]byte, channelKeySize), sendKey, "keys are zeroed")

	err = ch.WriteMessage([]byte("late"))
	assert.ErrorIs(t, err, ErrChannelFailure)
	assert.NoError(t, ch.Close(), "second close is a no-op")
}

func TestChannelOverTCP(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	keys := make(chan *MasterKey, 1)
	keys <- testMasterKey(t, 9)
	done := serveEnclave(lis, keys, sendText("over tcp"))

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	ch, err := OpenChannel(conn, testMasterKey(t, 9))
	require.NoError(t, err)
	defer ch.Close()

	msg, err := ch.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "over tcp", msg)
	require.NoError(t, <-done)
}

func TestChannelErrorKind(t *testing.T) {
	err := channelError("read message", io.ErrUnexpectedEOF)
	assert.Equal(t, "ChannelFailure", Kind(err))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
