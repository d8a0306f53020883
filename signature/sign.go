package signature

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"unicode/utf8"
)

var signPKCS1v15 = rsa.SignPKCS1v15

// SigningKey is an RSA key pair with a 2048..8192 bit modulus. It is owned by
// the component that loaded it and is never written back out.
type SigningKey struct {
	priv *rsa.PrivateKey
}

// NewSigningKeyFromDER parses a PKCS#1 or PKCS#8 RSA private key.
func NewSigningKeyFromDER(der []byte) (*SigningKey, error) {
	priv, err := parsePrivateKey(der)
	if err != nil {
		return nil, ErrBadPrivateKey
	}
	return &SigningKey{priv: priv}, nil
}

// NewSigningKeyFromPEM decodes a "PRIVATE KEY" or "RSA PRIVATE KEY" block.
func NewSigningKeyFromPEM(text string) (*SigningKey, error) {
	der, err := pemToDER(text, "PRIVATE KEY", "RSA PRIVATE KEY")
	if err != nil {
		return nil, ErrBadPrivateKey
	}
	return NewSigningKeyFromDER(der)
}

// NewSigningKeyFromFile reads path and decodes it as format.
func NewSigningKeyFromFile(path string, format Format) (*SigningKey, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case DER:
		return NewSigningKeyFromDER(data)
	case PEM:
		if !utf8.Valid(data) {
			return nil, ErrBadPrivateKey
		}
		return NewSigningKeyFromPEM(string(data))
	default:
		return nil, ErrBadPrivateKey
	}
}

// Sign signs the SHA-256 digest of message. rand is used for this call only.
func (k *SigningKey) Sign(message []byte, rand io.Reader) (Signature, error) {
	if k == nil || k.priv == nil {
		return nil, ErrSigningFailure
	}
	digest := sha256.Sum256(message)
	sig, err := signPKCS1v15(rand, k.priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	return sig, nil
}

// Size is the modulus length in bytes, which is also the signature length.
func (k *SigningKey) Size() int {
	if k == nil || k.priv == nil {
		return 0
	}
	return k.priv.Size()
}

// VerificationKey returns the public half as a PKCS#1 encoded key.
func (k *SigningKey) VerificationKey() (*VerificationKey, error) {
	if k == nil || k.priv == nil {
		return nil, ErrBadPrivateKey
	}
	return NewVerificationKeyFromDER(x509.MarshalPKCS1PublicKey(&k.priv.PublicKey))
}

// Wipe zeroes the private exponent and CRT values and drops the key. Go's
// runtime may still hold copies it made internally; this is best effort.
func (k *SigningKey) Wipe() {
	if k == nil || k.priv == nil {
		return
	}
	k.priv.D.SetInt64(0)
	for _, p := range k.priv.Primes {
		p.SetInt64(0)
	}
	for _, v := range []*big.Int{k.priv.Precomputed.Dp, k.priv.Precomputed.Dq, k.priv.Precomputed.Qinv} {
		if v != nil {
			v.SetInt64(0)
		}
	}
	k.priv = nil
}
