package sgx_sp

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testMREnclave = sha256.Sum256([]byte("test enclave"))

type fakeVerifier struct {
	mu       sync.Mutex
	sigRl    []byte
	sigRlErr error
	quoteErr error
	quotes   int
}

func (v *fakeVerifier) GetRevocationList(ctx context.Context, gid []byte) ([]byte, error) {
	return v.sigRl, v.sigRlErr
}

func (v *fakeVerifier) VerifyQuote(ctx context.Context, q []byte) (*Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.quotes++
	if v.quoteErr != nil {
		return nil, v.quoteErr
	}
	return &Report{IsvEnclaveQuoteStatus: iasQuoteStatusOK}, nil
}

func (v *fakeVerifier) quoteCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.quotes
}

func testConfiguration(t *testing.T) *configuration {
	t.Helper()
	ltk, err := generateKey()
	require.NoError(t, err)
	return &configuration{
		endpoints: endpoints{
			clientAddr:     "127.0.0.1:0",
			enclaveAddr:    "127.0.0.1:0",
			connectTimeout: time.Second,
			maxMessageSize: DefaultMaxMessageSize,
		},
		skipIAS:     true,
		mrenclaves:  [][MRENCLAVE_SIZE]byte{testMREnclave},
		spid:        bytes.Repeat([]byte{0x5a}, SPID_SIZE),
		longTermKey: ltk,
		maxSessions: 16,
		timeout:     10,
	}
}

// simClient plays the attesting application together with its enclave.
type simClient struct {
	spKey *ecdsa.PublicKey

	mrenclave        [MRENCLAVE_SIZE]byte
	debug            bool
	exgid            uint32
	tamperCmacM      bool
	tamperReportData bool

	key       *ecdsa.PrivateKey
	ga        *PublicKey
	sessionID uint64
	smk       []byte
	sk        []byte
	mk        []byte
}

func newSimClient(t *testing.T, spKey *ecdsa.PublicKey) *simClient {
	t.Helper()
	key, err := generateKey()
	require.NoError(t, err)
	return &simClient{
		spKey:     spKey,
		mrenclave: testMREnclave,
		key:       key,
		ga:        marshalPublicKey(&key.PublicKey),
	}
}

func (c *simClient) msg1(ch *Challenge) *Msg1 {
	c.sessionID = ch.SessionId
	return &Msg1{
		SessionId: ch.SessionId,
		Msg0:      &Msg0{SessionId: ch.SessionId, Exgid: c.exgid},
		Ga:        c.ga,
		Gid:       []byte{1, 2, 3, 4},
	}
}

func (c *simClient) msg3(msg2 *Msg2) (*Msg3, error) {
	a := msg2.A
	if a == nil || a.Gb == nil || a.Signature == nil {
		return nil, errors.New("malformed msg2")
	}

	r, s := concat(a.Signature.R), concat(a.Signature.S)
	reverse(r)
	reverse(s)
	sum := sha256.Sum256(concat(a.Gb.X, a.Gb.Y, c.ga.X, c.ga.Y))
	if !ecdsa.Verify(c.spKey, sum[:], new(big.Int).SetBytes(r), new(big.Int).SetBytes(s)) {
		return nil, errors.New("bad SP signature")
	}

	gbKey, err := unmarshalPublicKey(a.Gb)
	if err != nil {
		return nil, err
	}
	kdk, smk, err := deriveLabelKey(c.key, gbKey, SMK_LABEL)
	if err != nil {
		return nil, err
	}
	cmacA, err := cmacWithKey(concat(a.Gb.X, a.Gb.Y, a.Spid, a.QuoteType, a.KdfId, a.Signature.R, a.Signature.S), smk)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(cmacA, msg2.CmacA) {
		return nil, errors.New("bad msg2 CMAC")
	}
	c.smk = smk
	vk, _ := deriveLabelKeyFromBase(kdk, VK_LABEL)
	c.sk, _ = deriveLabelKeyFromBase(kdk, SK_LABEL)
	c.mk, _ = deriveLabelKeyFromBase(kdk, MK_LABEL)

	q := make([]byte, QUOTE_MIN_SIZE)
	copy(q[MRENCLAVE_OFFSET:], c.mrenclave[:])
	if c.debug {
		q[ATTRIBUTES_OFFSET] |= SGX_FLAGS_DEBUG
	}
	reportData := sha256.Sum256(concat(c.ga.X, c.ga.Y, a.Gb.X, a.Gb.Y, vk))
	copy(q[REPORT_DATA_OFFSET:], reportData[:])
	if c.tamperReportData {
		q[REPORT_DATA_OFFSET] ^= 1
	}

	m := &M{Ga: c.ga, PsSecurityProp: make([]byte, 256), Quote: q}
	cmacM, err := cmacWithKey(concat(m.Ga.X, m.Ga.Y, m.PsSecurityProp, m.Quote), smk)
	if err != nil {
		return nil, err
	}
	if c.tamperCmacM {
		cmacM[0] ^= 1
	}
	return &Msg3{SessionId: c.sessionID, M: m, CmacM: cmacM}, nil
}

func (c *simClient) checkMsg4(msg4 *Msg4) error {
	mac, err := cmacWithKey(concat(
		boolByte(msg4.EnclaveTrusted),
		boolByte(msg4.PseTrusted),
		msg4.Pib,
		msg4.Secret,
		msg4.Verdict,
		msg4.VerdictSignature,
	), c.smk)
	if err != nil {
		return err
	}
	if !bytes.Equal(mac, msg4.Cmac) {
		return errors.New("bad msg4 CMAC")
	}
	return nil
}

func (c *simClient) openSecret(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.sk)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	return gcm.Open(nil, sealed[:n], sealed[n:], nil)
}

// attest runs the client side of the stream protocol.
func (c *simClient) attest(conn io.ReadWriter) (*Msg4, error) {
	ch := &Challenge{}
	if err := readMessage(conn, ch); err != nil {
		return nil, err
	}
	if err := writeMessage(conn, c.msg1(ch)); err != nil {
		return nil, err
	}
	msg2 := &Msg2{}
	if err := readMessage(conn, msg2); err != nil {
		return nil, err
	}
	msg3, err := c.msg3(msg2)
	if err != nil {
		return nil, err
	}
	if err := writeMessage(conn, msg3); err != nil {
		return nil, err
	}
	msg4 := &Msg4{}
	if err := readMessage(conn, msg4); err != nil {
		return nil, err
	}
	return msg4, nil
}

// masterKey is the enclave's copy of the session master key.
func (c *simClient) masterKey() (*MasterKey, error) {
	return newMasterKey(c.sessionID, c.mk)
}

// serveEnclave accepts one connection and runs send over a channel keyed by
// the first key received on keys.
func serveEnclave(lis net.Listener, keys <-chan *MasterKey, send func(*SecureChannel) error) <-chan error {
	errc := make(chan error, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			errc <- err
			return
		}
		ch, err := openChannel(conn, <-keys, roleEnclave)
		if err != nil {
			conn.Close()
			errc <- err
			return
		}
		defer ch.Close()
		errc <- send(ch)
	}()
	return errc
}

func sendText(msg string) func(*SecureChannel) error {
	return func(ch *SecureChannel) error {
		return ch.WriteMessage([]byte(msg))
	}
}
