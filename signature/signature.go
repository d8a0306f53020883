// Package signature loads RSA key material from DER or PEM sources and
// produces and checks RSA PKCS#1 v1.5 signatures over SHA-256 digests.
//
// Verification deliberately reports a single ErrBadSignature for every
// failure, whether the key, the signature or the message is at fault.
package signature

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Modulus sizes accepted for both key kinds.
const (
	MinModulusBits = 2048
	MaxModulusBits = 8192
)

var (
	ErrIO             = errors.New("signature: i/o failure")
	ErrBadPrivateKey  = errors.New("signature: bad private key")
	ErrBadPublicKey   = errors.New("signature: bad public key")
	ErrBadSignature   = errors.New("signature: bad signature")
	ErrSigningFailure = errors.New("signature: signing failed")
)

// Signature is an RSA signature. Its length equals the modulus length of the
// key that produced it.
type Signature []byte

// Format selects the encoding of a key file.
type Format int

const (
	DER Format = iota
	PEM
)

func (f Format) String() string {
	switch f {
	case DER:
		return "der"
	case PEM:
		return "pem"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat accepts "der" or "pem", case insensitive.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "der":
		return DER, nil
	case "pem":
		return PEM, nil
	default:
		return 0, fmt.Errorf("unknown key format %q (expected der|pem)", s)
	}
}

func modulusInRange(bits int) bool {
	return bits >= MinModulusBits && bits <= MaxModulusBits
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return data, nil
}

// pemToDER returns the payload of the first PEM block whose label is one of
// types.
func pemToDER(text string, types ...string) ([]byte, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	for _, t := range types {
		if block.Type == t {
			return block.Bytes, nil
		}
	}
	return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
}

func parsePublicKey(der []byte) (*rsa.PublicKey, error) {
	if len(der) == 0 {
		return nil, errors.New("empty public key")
	}
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T", parsed)
	}
	return pub, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if len(der) == 0 {
		return nil, errors.New("empty private key")
	}
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		parsed, err8 := x509.ParsePKCS8PrivateKey(der)
		if err8 != nil {
			return nil, err8
		}
		var ok bool
		if priv, ok = parsed.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("unsupported private key type %T", parsed)
		}
	}
	if bits := priv.N.BitLen(); !modulusInRange(bits) {
		return nil, fmt.Errorf("modulus of %d bits outside %d..%d", bits, MinModulusBits, MaxModulusBits)
	}
	return priv, nil
}
