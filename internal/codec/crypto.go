package codec

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/llmproxy/dnschat/internal/errs"
)

// envelopeVersion is the single supported wire version for Seal/Open.
// Bumping this is a breaking change for every deployed client.
const envelopeVersion = 1

// Seal produces an authenticated-encryption envelope: version byte, random
// nonce, ciphertext+tag. It never returns a partial envelope on error.
func Seal(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	envelope := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	envelope = append(envelope, envelopeVersion)
	envelope = append(envelope, nonce...)
	envelope = aead.Seal(envelope, nonce, plaintext, nil)
	return envelope, nil
}

// Open authenticates and decrypts an envelope produced by Seal. Every
// failure mode — version mismatch, truncated envelope, MAC mismatch —
// collapses to the single ErrDecrypt sentinel so callers cannot distinguish
// them (I4: no sub-failure detail leaks to a caller lacking the key).
func Open(key [32]byte, envelope []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, errs.ErrDecrypt
	}

	nonceSize := aead.NonceSize()
	if len(envelope) < 1+nonceSize {
		return nil, errs.ErrDecrypt
	}
	if envelope[0] != envelopeVersion {
		return nil, errs.ErrDecrypt
	}

	nonce := envelope[1 : 1+nonceSize]
	ciphertext := envelope[1+nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errs.ErrDecrypt
	}
	return plaintext, nil
}
