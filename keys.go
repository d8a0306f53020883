package sgx_sp

import (
	"crypto/aes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/aead/cmac"
)

const EC_COORD_SIZE = 32

// serialize a big int to always 32 byte, little endian
func serializeBigInt(x *big.Int) []byte {
	xb := x.Bytes()
	reverse(xb)
	for len(xb) < EC_COORD_SIZE {
		xb = append(xb, 0)
	}
	return xb
}

func reverse(b []byte) {
	for left, right := 0, len(b)-1; left < right; left, right = left+1, right-1 {
		b[left], b[right] = b[right], b[left]
	}
}

// concat copies parts into a fresh slice, so no input is ever appended to
// in place.
func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// exchange returns the x coordinate of the shared point, little endian.
func exchange(mine *ecdsa.PrivateKey, peer *ecdsa.PublicKey) ([]byte, error) {
	priv, err := mine.ECDH()
	if err != nil {
		return nil, err
	}
	pub, err := peer.ECDH()
	if err != nil {
		return nil, err
	}
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, err
	}
	reverse(shared)
	return shared, nil
}

// loadPrivateKey reads a PEM encoded ECDSA P-256 key, either PKCS#8 or SEC 1.
func loadPrivateKey(fileName string) (*ecdsa.PrivateKey, error) {
	pemEncoded, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("%w: read private key: %w", ErrIOFailure, err)
	}

	block, _ := pem.Decode(pemEncoded)
	if block == nil {
		return nil, fmt.Errorf("%w: %s: no PEM block found", ErrInvalidConfiguration, fileName)
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		var parsed interface{}
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			if key, ok = parsed.(*ecdsa.PrivateKey); !ok {
				err = fmt.Errorf("unsupported key type %T", parsed)
			}
		}
	default:
		err = fmt.Errorf("unsupported PEM type %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfiguration, fileName, err)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: %s: must be ECDSA P-256", ErrInvalidConfiguration, fileName)
	}
	return key, nil
}

func marshalPublicKey(pub *ecdsa.PublicKey) *PublicKey {
	return &PublicKey{
		X: serializeBigInt(pub.X),
		Y: serializeBigInt(pub.Y),
	}
}

// unmarshalPublicKey decodes little endian coordinates and rejects points
// that are not on P-256.
func unmarshalPublicKey(pk *PublicKey) (*ecdsa.PublicKey, error) {
	if pk == nil || len(pk.X) != EC_COORD_SIZE || len(pk.Y) != EC_COORD_SIZE {
		return nil, errors.New("malformed public key")
	}
	xb := concat(pk.X)
	yb := concat(pk.Y)
	// to big endian
	reverse(xb)
	reverse(yb)
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}
	if _, err := pub.ECDH(); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return pub, nil
}

func generateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

func cmacWithKey(msg, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cmac.Sum(msg, block, aes.BlockSize)
}

// key deriviation key
func kdk(mine *ecdsa.PrivateKey, peer *ecdsa.PublicKey) ([]byte, error) {
	var cmacKey [16]byte
	shared, err := exchange(mine, peer)
	if err != nil {
		return nil, err
	}
	defer wipe(shared)
	return cmacWithKey(shared, cmacKey[:])
}

func keyDerivationString(label []byte) []byte {
	out := make([]byte, 4+len(label))
	copy(out[1:], label)
	out[0] = 1
	out[len(out)-2] = 128
	return out
}

func deriveLabelKey(mine *ecdsa.PrivateKey, peer *ecdsa.PublicKey, label []byte) ([]byte, []byte, error) {
	base, err := kdk(mine, peer)
	if err != nil {
		return nil, nil, err
	}
	key, err := deriveLabelKeyFromBase(base, label)
	if err != nil {
		return nil, nil, err
	}
	return base, key, nil
}

func deriveLabelKeyFromBase(base []byte, label []byte) ([]byte, error) {
	return cmacWithKey(keyDerivationString(label), base)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
