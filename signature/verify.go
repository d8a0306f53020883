package signature

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"unicode/utf8"
)

// VerificationKey holds the DER encoding of an RSA public key, either a
// PKCS#1 RSAPublicKey or a PKIX SubjectPublicKeyInfo.
type VerificationKey struct {
	key []byte
}

// NewVerificationKeyFromDER copies der into a new key. It fails with
// ErrBadPublicKey when der is not an RSA public key structure. The modulus
// size is only checked by Verify.
func NewVerificationKeyFromDER(der []byte) (*VerificationKey, error) {
	if _, err := parsePublicKey(der); err != nil {
		return nil, ErrBadPublicKey
	}
	key := make([]byte, len(der))
	copy(key, der)
	return &VerificationKey{key: key}, nil
}

// NewVerificationKeyFromPEM decodes a "PUBLIC KEY" or "RSA PUBLIC KEY" block.
func NewVerificationKeyFromPEM(text string) (*VerificationKey, error) {
	der, err := pemToDER(text, "PUBLIC KEY", "RSA PUBLIC KEY")
	if err != nil {
		return nil, ErrBadPublicKey
	}
	return NewVerificationKeyFromDER(der)
}

// NewVerificationKeyFromFile reads path and decodes it as format.
func NewVerificationKeyFromFile(path string, format Format) (*VerificationKey, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case DER:
		return NewVerificationKeyFromDER(data)
	case PEM:
		if !utf8.Valid(data) {
			return nil, ErrBadPublicKey
		}
		return NewVerificationKeyFromPEM(string(data))
	default:
		return nil, ErrBadPublicKey
	}
}

// Verify returns nil iff sig is a valid RSA-PKCS1-SHA256 signature of message
// under k. Every other outcome is ErrBadSignature.
func (k *VerificationKey) Verify(message, sig []byte) error {
	if k == nil {
		return ErrBadSignature
	}
	pub, err := parsePublicKey(k.key)
	if err != nil || !modulusInRange(pub.N.BitLen()) {
		return ErrBadSignature
	}
	digest := sha256.Sum256(message)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

// DER returns a copy of the encoded key.
func (k *VerificationKey) DER() []byte {
	out := make([]byte, len(k.key))
	copy(out, k.key)
	return out
}
