package sgx_sp

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"go.uber.org/atomic"
)

type ChannelOption func(*SecureChannel)

// WithMaxMessageSize bounds the length a peer may declare for one message.
func WithMaxMessageSize(n uint32) ChannelOption {
	return func(c *SecureChannel) {
		if n > 0 {
			c.maxMessageSize = n
		}
	}
}

// SecureChannel carries length-framed messages between the SP and an
// attested enclave, protected by keys derived from the session's master
// key. Reads and writes may run concurrently with each other. The first
// error is sticky: every later call returns it.
type SecureChannel struct {
	raw io.ReadWriter
	t   *transport

	maxMessageSize uint32

	rmu    sync.Mutex
	wmu    sync.Mutex
	failed atomic.Error
	closed atomic.Bool
}

func channelError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrChannelFailure, op, err)
}

// OpenChannel wraps raw with the channel protocol. It consumes key: the
// key is unusable afterwards, whether or not this call succeeds.
func OpenChannel(raw io.ReadWriter, key *MasterKey, opts ...ChannelOption) (*SecureChannel, error) {
	return openChannel(raw, key, roleSP, opts...)
}

func openChannel(raw io.ReadWriter, key *MasterKey, r role, opts ...ChannelOption) (*SecureChannel, error) {
	if raw == nil {
		return nil, channelError("open", errors.New("nil stream"))
	}
	secret, err := key.take()
	if err != nil {
		return nil, err
	}
	defer wipe(secret[:])

	t, err := newTransport(raw, secret, r)
	if err != nil {
		return nil, channelError("open", err)
	}
	c := &SecureChannel{
		raw:            raw,
		t:              t,
		maxMessageSize: DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *SecureChannel) fail(err error) error {
	c.failed.CompareAndSwap(nil, err)
	return c.failed.Load()
}

func (c *SecureChannel) check() error {
	if err := c.failed.Load(); err != nil {
		return err
	}
	if c.closed.Load() {
		return channelError("use", errors.New("channel closed"))
	}
	return nil
}

// ReadFrame returns the next complete message, or an error. It never
// returns a partial message.
func (c *SecureChannel) ReadFrame() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	b, err := readFrame(c.t, c.maxMessageSize)
	if err != nil {
		return nil, c.fail(channelError("read message", err))
	}
	return b, nil
}

// ReadMessage is ReadFrame for text messages. Content that is not UTF-8
// fails this call only; the stream stays usable.
func (c *SecureChannel) ReadMessage() (string, error) {
	b, err := c.ReadFrame()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", channelError("read message", errors.New("message is not valid UTF-8"))
	}
	return string(b), nil
}

// WriteMessage sends b as one framed message.
func (c *SecureChannel) WriteMessage(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	if err := writeFrame(c.t, b); err != nil {
		return c.fail(channelError("write message", err))
	}
	return nil
}

// Read reads protected bytes without message framing.
func (c *SecureChannel) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if err := c.check(); err != nil {
		return 0, err
	}
	n, err := c.t.Read(p)
	if err == io.EOF {
		return n, err
	}
	if err != nil {
		return n, c.fail(channelError("read", err))
	}
	return n, nil
}

// Write writes protected bytes without message framing.
func (c *SecureChannel) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.check(); err != nil {
		return 0, err
	}
	n, err := c.t.Write(p)
	if err != nil {
		return n, c.fail(channelError("write", err))
	}
	return n, nil
}

// Close zeroes the channel keys and closes the underlying stream if it can
// be closed.
func (c *SecureChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if closer, ok := c.raw.(io.Closer); ok {
		err = closer.Close()
	}
	// Take both locks so no record is in flight while the keys are wiped.
	c.rmu.Lock()
	c.wmu.Lock()
	c.t.wipe()
	c.wmu.Unlock()
	c.rmu.Unlock()
	return err
}
