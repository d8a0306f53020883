package sgx_sp

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	proto "github.com/golang/protobuf/proto"
	"go.uber.org/atomic"
)

type sessionState int

const (
	stateNew sessionState = iota
	stateMsg1
	stateMsg2
	stateVerified
	stateDone
	stateFailed
	stateClosed
)

// Session is the SP half of one remote attestation. Every method is safe
// for concurrent use; the protocol itself is strictly ordered and a call
// out of order fails the session.
type Session struct {
	mu sync.Mutex

	cfg      *configuration
	verifier QuoteVerifier

	id    uint64
	state sessionState
	exgid uint32
	gid   []byte
	ga    *PublicKey
	gb    *PublicKey
	gaKey *ecdsa.PublicKey

	// various session keys
	ephKey *ecdsa.PrivateKey
	kdk    []byte
	smk    []byte // MAC key
	vk     []byte
	sk     []byte
	mk     []byte

	mrenclave [MRENCLAVE_SIZE]byte
	quoteHash []byte
	report    *Report
	issued    *Verdict

	// if sealCount goes over 2^{32}, it will throw an error
	aes       cipher.AEAD
	sealCount uint64

	keyIssued atomic.Bool
	lastUsed  atomic.Time
}

const EPID_GID_SIZE = 4

var SMK_LABEL = []byte{'S', 'M', 'K'}
var VK_LABEL = []byte{'V', 'K'}
var SK_LABEL = []byte{'S', 'K'}
var MK_LABEL = []byte{'M', 'K'}

var UNLINKABLE_QUOTE = []byte{0, 0}
var LINKABLE_QUOTE = []byte{1, 0}
var KDF_ID = []byte{1, 0}

const maxSeals = 1 << 32

var errSessionState = errors.New("message out of order")

func newSession(id uint64, cfg *configuration, verifier QuoteVerifier) (*Session, error) {
	ephKey, err := generateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	sn := &Session{
		cfg:      cfg,
		verifier: verifier,
		id:       id,
		ephKey:   ephKey,
	}
	sn.lastUsed.Store(time.Now())
	return sn, nil
}

func (sn *Session) Id() uint64 {
	return sn.id
}

func (sn *Session) LastUsed() time.Time {
	return sn.lastUsed.Load()
}

func checkMsg1Format(msg1 *Msg1) bool {
	return msg1 != nil &&
		msg1.Msg0 != nil &&
		msg1.Ga != nil &&
		len(msg1.Ga.X) == EC_COORD_SIZE &&
		len(msg1.Ga.Y) == EC_COORD_SIZE &&
		len(msg1.Gid) == EPID_GID_SIZE &&
		msg1.Msg0.SessionId == msg1.SessionId
}

func boolByte(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

func (sn *Session) cmacA(a *A) ([]byte, error) {
	return cmacWithKey(concat(
		a.Gb.X, a.Gb.Y,
		a.Spid,
		a.QuoteType,
		a.KdfId,
		a.Signature.R, a.Signature.S,
	), sn.smk)
}

func (sn *Session) cmacM(m *M) ([]byte, error) {
	return cmacWithKey(concat(m.Ga.X, m.Ga.Y, m.PsSecurityProp, m.Quote), sn.smk)
}

func (sn *Session) cmacMsg4(msg4 *Msg4) ([]byte, error) {
	return cmacWithKey(concat(
		boolByte(msg4.EnclaveTrusted),
		boolByte(msg4.PseTrusted),
		msg4.Pib,
		msg4.Secret,
		msg4.Verdict,
		msg4.VerdictSignature,
	), sn.smk)
}

func (sn *Session) hashReport() []byte {
	hash := sha256.Sum256(concat(sn.ga.X, sn.ga.Y, sn.gb.X, sn.gb.Y, sn.vk))
	return hash[:]
}

// fail marks the session dead. Key material stays until Close so that a
// rejection can still be MACed.
func (sn *Session) fail(err error) error {
	if sn.state != stateClosed {
		sn.state = stateFailed
	}
	return err
}

func (sn *Session) expect(state sessionState) error {
	if sn.state == stateClosed {
		return errors.New("session closed")
	}
	if sn.state != state {
		return sn.fail(errSessionState)
	}
	return nil
}

func (sn *Session) ProcessMsg1(msg1 *Msg1) error {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if err := sn.expect(stateNew); err != nil {
		return err
	}

	if !checkMsg1Format(msg1) {
		return sn.fail(errors.New("malformed message 1"))
	}
	if msg1.SessionId != sn.id {
		return sn.fail(fmt.Errorf("message 1 for session %d, expected %d", msg1.SessionId, sn.id))
	}
	// Only the Intel EPID extended group is known.
	if msg1.Msg0.Exgid != 0 {
		return sn.fail(fmt.Errorf("unsupported extended group id %d", msg1.Msg0.Exgid))
	}
	gaKey, err := unmarshalPublicKey(msg1.Ga)
	if err != nil {
		return sn.fail(fmt.Errorf("message 1: %w", err))
	}

	sn.exgid = msg1.Msg0.Exgid
	sn.ga = &PublicKey{X: concat(msg1.Ga.X), Y: concat(msg1.Ga.Y)}
	sn.gaKey = gaKey
	sn.gid = concat(msg1.Gid)

	sn.state = stateMsg1
	sn.lastUsed.Store(time.Now())
	return nil
}

func (sn *Session) quoteType() []byte {
	if sn.cfg.linkable {
		return LINKABLE_QUOTE
	}
	return UNLINKABLE_QUOTE
}

func (sn *Session) CreateMsg2(ctx context.Context) (*Msg2, error) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if err := sn.expect(stateMsg1); err != nil {
		return nil, err
	}

	sn.gb = marshalPublicKey(&sn.ephKey.PublicKey)

	sum := sha256.Sum256(concat(sn.gb.X, sn.gb.Y, sn.ga.X, sn.ga.Y))
	r, s, err := ecdsa.Sign(rand.Reader, sn.cfg.longTermKey, sum[:])
	if err != nil {
		return nil, sn.fail(fmt.Errorf("sign key exchange: %w", err))
	}
	sig := &Signature{
		R: serializeBigInt(r),
		S: serializeBigInt(s),
	}

	sn.kdk, sn.smk, err = deriveLabelKey(sn.ephKey, sn.gaKey, SMK_LABEL)
	if err != nil {
		return nil, sn.fail(fmt.Errorf("derive SMK: %w", err))
	}

	a := &A{
		Gb:        sn.gb,
		Spid:      sn.cfg.spid,
		QuoteType: sn.quoteType(),
		KdfId:     KDF_ID,
		Signature: sig,
	}
	cmacA, err := sn.cmacA(a)
	if err != nil {
		return nil, sn.fail(err)
	}

	sigRl, err := sn.verifier.GetRevocationList(ctx, sn.gid)
	if err != nil {
		return nil, sn.fail(fmt.Errorf("fetch revocation list: %w", err))
	}

	msg2 := &Msg2{
		SessionId: sn.id,
		A:         a,
		CmacA:     cmacA,
		SigRlSize: uint32(len(sigRl)),
		SigRl:     sigRl,
	}

	sn.state = stateMsg2
	sn.lastUsed.Store(time.Now())
	return msg2, nil
}

func (sn *Session) allowedMREnclave(mr [MRENCLAVE_SIZE]byte) bool {
	for _, valid := range sn.cfg.mrenclaves {
		if mr == valid {
			return true
		}
	}
	return false
}

func (sn *Session) ProcessMsg3(ctx context.Context, msg3 *Msg3) error {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if err := sn.expect(stateMsg2); err != nil {
		return err
	}

	if msg3 == nil || msg3.M == nil || msg3.M.Ga == nil {
		return sn.fail(errors.New("malformed message 3"))
	}
	if msg3.SessionId != sn.id {
		return sn.fail(fmt.Errorf("message 3 for session %d, expected %d", msg3.SessionId, sn.id))
	}

	var err error
	sn.vk, err = deriveLabelKeyFromBase(sn.kdk, VK_LABEL)
	if err != nil {
		return sn.fail(fmt.Errorf("derive VK: %w", err))
	}

	if !bytes.Equal(msg3.M.Ga.X, sn.ga.X) || !bytes.Equal(msg3.M.Ga.Y, sn.ga.Y) {
		return sn.fail(errors.New("msg3 GA mismatch"))
	}
	cmacM, err := sn.cmacM(msg3.M)
	if err != nil {
		return sn.fail(err)
	}
	if !hmac.Equal(cmacM, msg3.CmacM) {
		return sn.fail(errors.New("msg3 MAC on M mismatch"))
	}

	q, err := parseQuote(msg3.M.Quote)
	if err != nil {
		return sn.fail(err)
	}
	if !bytes.Equal(sn.hashReport(), q.reportData()[:sha256.Size]) {
		return sn.fail(errors.New("hash mismatch on report"))
	}
	mr := q.mrenclave()
	if !sn.allowedMREnclave(mr) {
		return sn.fail(fmt.Errorf("MRENCLAVE %x not allowed", mr))
	}
	if q.debug() && !sn.cfg.allowDebug {
		return sn.fail(errors.New("debug enclave not allowed"))
	}

	report, err := sn.verifier.VerifyQuote(ctx, q)
	if err != nil {
		return sn.fail(fmt.Errorf("quote rejected: %w", err))
	}

	if sn.sk, err = deriveLabelKeyFromBase(sn.kdk, SK_LABEL); err != nil {
		return sn.fail(fmt.Errorf("derive SK: %w", err))
	}
	if sn.mk, err = deriveLabelKeyFromBase(sn.kdk, MK_LABEL); err != nil {
		return sn.fail(fmt.Errorf("derive MK: %w", err))
	}

	block, err := aes.NewCipher(sn.sk)
	if err != nil {
		return sn.fail(err)
	}
	if sn.aes, err = cipher.NewGCM(block); err != nil {
		return sn.fail(err)
	}

	quoteHash := sha256.Sum256(q)
	sn.quoteHash = quoteHash[:]
	sn.mrenclave = mr
	sn.report = report
	sn.state = stateVerified
	sn.lastUsed.Store(time.Now())
	return nil
}

func (sn *Session) verdict(trusted bool) *Verdict {
	v := &Verdict{
		SessionId:      sn.id,
		EnclaveTrusted: trusted,
		IssuedAt:       time.Now().Unix(),
	}
	if trusted {
		v.Mrenclave = concat(sn.mrenclave[:])
		v.QuoteSha256 = concat(sn.quoteHash)
	}
	return v
}

// signVerdict encodes v and signs it when a verdict key is configured.
func (sn *Session) signVerdict(v *Verdict) ([]byte, []byte, error) {
	encoded, err := proto.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	if sn.cfg.verdictKey == nil {
		return encoded, nil, nil
	}
	sig, err := sn.cfg.verdictKey.Sign(encoded, rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return encoded, sig, nil
}

func (sn *Session) CreateMsg4() (*Msg4, error) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if err := sn.expect(stateVerified); err != nil {
		return nil, err
	}

	var secret []byte
	if len(sn.cfg.secret) > 0 {
		var err error
		if secret, err = sn.seal(sn.cfg.secret); err != nil {
			return nil, sn.fail(err)
		}
	}

	issued := sn.verdict(true)
	verdict, verdictSig, err := sn.signVerdict(issued)
	if err != nil {
		return nil, sn.fail(fmt.Errorf("sign verdict: %w", err))
	}

	// TODO: actually check whether PSE is trusted or not.
	msg4 := &Msg4{
		SessionId:        sn.id,
		EnclaveTrusted:   true,
		PseTrusted:       false,
		Pib:              sn.platformInfo(),
		Secret:           secret,
		Verdict:          verdict,
		VerdictSignature: verdictSig,
	}
	if msg4.Cmac, err = sn.cmacMsg4(msg4); err != nil {
		return nil, sn.fail(err)
	}

	sn.issued = issued
	sn.state = stateDone
	sn.lastUsed.Store(time.Now())
	return msg4, nil
}

func (sn *Session) platformInfo() []byte {
	if sn.report == nil || sn.report.PlatformInfoBlob == "" {
		return []byte{}
	}
	pib, err := hex.DecodeString(sn.report.PlatformInfoBlob)
	if err != nil {
		return []byte{}
	}
	return pib
}

// CreateRejection builds the msg4 that tells the client its enclave was not
// trusted. It is MACed when the session got far enough to have an SMK.
func (sn *Session) CreateRejection() *Msg4 {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	msg4 := &Msg4{
		SessionId: sn.id,
		Pib:       []byte{},
	}
	if verdict, sig, err := sn.signVerdict(sn.verdict(false)); err == nil {
		msg4.Verdict = verdict
		msg4.VerdictSignature = sig
	}
	if sn.smk != nil {
		if mac, err := sn.cmacMsg4(msg4); err == nil {
			msg4.Cmac = mac
		}
	}
	sn.fail(nil)
	return msg4
}

// Verdict returns the verdict sent in msg4, or nil before then.
func (sn *Session) Verdict() *Verdict {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.issued
}

// MasterKey hands out the session master key. It succeeds at most once per
// session, and only after msg3 was accepted.
func (sn *Session) MasterKey() (*MasterKey, error) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if sn.state != stateVerified && sn.state != stateDone {
		return nil, ErrNoMasterKey
	}
	if !sn.keyIssued.CompareAndSwap(false, true) {
		return nil, ErrMasterKeyConsumed
	}
	mk, err := newMasterKey(sn.id, sn.mk)
	wipe(sn.mk)
	sn.mk = nil
	if err != nil {
		return nil, err
	}
	return mk, nil
}

func (sn *Session) seal(msg []byte) ([]byte, error) {
	if sn.aes == nil {
		return nil, ErrNoMasterKey
	}
	if sn.sealCount >= maxSeals {
		return nil, errors.New("sealed too many messages")
	}

	nonce := make([]byte, sn.aes.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	sn.sealCount++
	sn.lastUsed.Store(time.Now())
	return sn.aes.Seal(nonce, nonce, msg, nil), nil
}

// Seal encrypts msg for the attested enclave under SK, as nonce || ct.
func (sn *Session) Seal(msg []byte) ([]byte, error) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.seal(msg)
}

func (sn *Session) Open(ciphertext []byte) ([]byte, error) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if sn.aes == nil {
		return nil, ErrNoMasterKey
	}
	n := sn.aes.NonceSize()
	if len(ciphertext) < n {
		return nil, errors.New("ciphertext too short")
	}
	sn.lastUsed.Store(time.Now())
	return sn.aes.Open(nil, ciphertext[:n], ciphertext[n:], nil)
}

// Close zeroes every key the session holds. The session is unusable
// afterwards.
func (sn *Session) Close() {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	for _, k := range [][]byte{sn.kdk, sn.smk, sn.vk, sn.sk, sn.mk} {
		wipe(k)
	}
	sn.kdk, sn.smk, sn.vk, sn.sk, sn.mk = nil, nil, nil, nil, nil
	sn.ephKey = nil
	sn.aes = nil
	sn.state = stateClosed
}
