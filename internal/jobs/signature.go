package jobs

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/dativo-io/privypress/internal/cryptoutil"
)

// Signer creates and verifies HMAC-SHA256 signatures over job records.
type Signer struct {
	key []byte
}

// NewSigner creates a signer. The key must be at least 32 raw bytes or 64+
// hex characters.
func NewSigner(key string) (*Signer, error) {
	b, err := cryptoutil.DecodeKey(key, 32)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	return &Signer{key: b}, nil
}

// Sign returns "hmac-sha256:<hex>" for data.
func (s *Signer) Sign(data []byte) string {
	h := hmac.New(sha256.New, s.key)
	h.Write(data)
	return "hmac-sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks signature against data in constant time.
func (s *Signer) Verify(data []byte, signature string) bool {
	return hmac.Equal([]byte(s.Sign(data)), []byte(signature))
}

// Sealer encrypts artifacts at rest with NaCl secretbox. Sealed output is
// the 24-byte nonce followed by the box.
type Sealer struct {
	key *[32]byte
}

const nonceSize = 24

var errOpen = errors.New("artifact authentication failed")

// NewSealer creates a sealer from a 32-byte key (raw or 64 hex characters).
func NewSealer(key string) (*Sealer, error) {
	k, err := cryptoutil.DecodeKey32(key)
	if err != nil {
		return nil, fmt.Errorf("artifact key: %w", err)
	}
	return &Sealer{key: k}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, s.key), nil
}

// Open decrypts a Seal result.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, errOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, s.key)
	if !ok {
		return nil, errOpen
	}
	return out, nil
}

// codec turns jobs into signed records and back.
type codec struct {
	signer *Signer
	sealer *Sealer
}

func newCodec(signingKey, artifactKey string) (*codec, error) {
	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, err
	}
	sealer, err := NewSealer(artifactKey)
	if err != nil {
		return nil, err
	}
	return &codec{signer: signer, sealer: sealer}, nil
}

func (c *codec) encode(j *Job) (record []byte, signature string, err error) {
	record, err = json.Marshal(j)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling job %s: %w", j.ID, err)
	}
	return record, c.signer.Sign(record), nil
}

// decode verifies and parses a stored record. A record that fails either
// step is reported as ErrSignature and never returned.
func (c *codec) decode(id string, record []byte, signature string) (*Job, error) {
	if !c.signer.Verify(record, signature) {
		return nil, fmt.Errorf("%w: job %s", ErrSignature, id)
	}
	var j Job
	if err := json.Unmarshal(record, &j); err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", ErrSignature, id, err)
	}
	if j.ID != id {
		return nil, fmt.Errorf("%w: record for %s stored under %s", ErrSignature, j.ID, id)
	}
	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return &j, nil
}

func (c *codec) openArtifact(id string, sealed []byte) ([]byte, error) {
	out, err := c.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", ErrSignature, id, err)
	}
	return out, nil
}
