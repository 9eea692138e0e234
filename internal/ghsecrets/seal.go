package ghsecrets

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	stderrors "errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

var (
	// ErrInvalidKeyFormat is returned when the store's key material cannot
	// be parsed as a supported public key.
	ErrInvalidKeyFormat = stderrors.New("invalid recipient key format")
	// ErrSealFailed is returned when the encryption primitive itself fails,
	// e.g. the plaintext exceeds the key's maximum payload size.
	ErrSealFailed = stderrors.New("sealing failed")
)

type keyKind int

const (
	keySealedBox keyKind = iota // 32-byte X25519 recipient
	keyRSA                      // DER SPKI, RSA-OAEP/SHA-256
)

// RecipientKey is a parsed store encryption key. Callers must Zero it when
// done so key material does not outlive its use.
type RecipientKey struct {
	kind keyKind
	boxK [32]byte
	rsaK *rsa.PublicKey
	raw  []byte
}

// ParseRecipientKey decodes the store's base64 key material. A 32-byte value
// is an X25519 sealed-box recipient; anything else must parse as a DER SPKI
// RSA public key.
func ParseRecipientKey(encoded string) (*RecipientKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	if len(raw) == 32 {
		k := &RecipientKey{kind: keySealedBox, raw: raw}
		copy(k.boxK[:], raw)
		return k, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		zero(raw)
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		zero(raw)
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidKeyFormat, parsed)
	}
	return &RecipientKey{kind: keyRSA, rsaK: rsaKey, raw: raw}, nil
}

// Seal encrypts one plaintext under the key and returns base64 ciphertext
// safe for a JSON payload. The plaintext is wiped before returning, on every
// exit path; no key or secret material touches disk.
func (k *RecipientKey) Seal(plaintext []byte) (string, error) {
	defer zero(plaintext)
	var (
		ciphertext []byte
		err        error
	)
	switch k.kind {
	case keySealedBox:
		ciphertext, err = box.SealAnonymous(nil, plaintext, &k.boxK, rand.Reader)
	case keyRSA:
		ciphertext, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, k.rsaK, plaintext, nil)
	default:
		return "", fmt.Errorf("%w: unknown key kind", ErrSealFailed)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Zero wipes the parsed key material.
func (k *RecipientKey) Zero() {
	if k == nil {
		return
	}
	zero(k.raw)
	zero(k.boxK[:])
	k.rsaK = nil
}

// zero overwrites a byte slice to clear sensitive data from memory.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
