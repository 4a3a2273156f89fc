package ledger

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// AlgorithmAESGCM is the algorithm identifier written into ciphertext envelopes.
const AlgorithmAESGCM = "aes-256-gcm"

// EncryptionKeySize is the required AES-256 key length in bytes.
const EncryptionKeySize = 32

// MinSigningKeySize is the minimum accepted HMAC key length in bytes.
const MinSigningKeySize = 16

// gcmTagSize is the GCM authentication tag length appended by Seal.
const gcmTagSize = 16

// Crypto engine errors.
var (
	ErrInvalidEncryptionKey = errors.New("encryption key must be 32 bytes")
	ErrInvalidSigningKey    = errors.New("signing key must be at least 16 bytes")
	ErrMalformedEnvelope    = errors.New("malformed ciphertext envelope")
	ErrUnsupportedAlgorithm = errors.New("unsupported envelope algorithm")
	ErrDecryptionFailed     = errors.New("decryption failed")
)

// Engine provides canonical hashing, HMAC signing, and authenticated
// encryption for the ledger. It is stateless aside from the injected key
// material and safe for concurrent use.
//
// Construct one per key set; do not share key material through globals.
// Multiple engines with different keys can coexist (per-tenant keys, rotation).
type Engine struct {
	aead       cipher.AEAD
	signingKey []byte
	ephemeral  bool
}

// NewEngine creates an engine from configured key material.
// The encryption key must be exactly 32 bytes (AES-256).
func NewEngine(encryptionKey, signingKey []byte) (*Engine, error) {
	if len(encryptionKey) != EncryptionKeySize {
		return nil, ErrInvalidEncryptionKey
	}
	if len(signingKey) < MinSigningKeySize {
		return nil, ErrInvalidSigningKey
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	key := make([]byte, len(signingKey))
	copy(key, signingKey)

	return &Engine{
		aead:       aead,
		signingKey: key,
	}, nil
}

// NewEphemeralEngine creates an engine with randomly generated keys.
// Records written with an ephemeral engine cannot be verified across process
// restarts, so this is only suitable for development and tests. Ephemeral()
// reports true so callers can refuse to run production paths on one.
func NewEphemeralEngine() (*Engine, error) {
	encryptionKey := make([]byte, EncryptionKeySize)
	if _, err := rand.Read(encryptionKey); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	signingKey := make([]byte, EncryptionKeySize)
	if _, err := rand.Read(signingKey); err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	engine, err := NewEngine(encryptionKey, signingKey)
	if err != nil {
		return nil, err
	}
	engine.ephemeral = true
	return engine, nil
}

// Ephemeral reports whether the engine runs on generated, non-configured keys.
func (e *Engine) Ephemeral() bool {
	return e.ephemeral
}

// CanonicalHash serializes fields into key-sorted compact JSON and returns
// the hex SHA-256 digest. encoding/json sorts map keys at every nesting
// level, which makes the serialization stable across restarts and platforms;
// that ordering is part of the hash contract, not an implementation detail.
func (e *Engine) CanonicalHash(fields map[string]any) (string, error) {
	canonical, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize fields: %w", err)
	}
	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:]), nil
}

// Sign computes an HMAC-SHA256 over the digest, tenant ID, and canonical
// timestamp, returning the hex-encoded code.
func (e *Engine) Sign(digest, tenantID, timestamp string) string {
	mac := hmac.New(sha256.New, e.signingKey)
	mac.Write([]byte(digest + "|" + tenantID + "|" + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the signature and compares in constant time.
func (e *Engine) VerifySignature(signature, digest, tenantID, timestamp string) bool {
	expected, err := hex.DecodeString(e.Sign(digest, tenantID, timestamp))
	if err != nil {
		return false
	}
	actual, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, actual)
}

// Encrypt seals the plaintext fields with AES-256-GCM and returns a
// self-describing envelope. The nonce is random per call, so encrypting the
// same payload twice yields different envelopes.
func (e *Engine) Encrypt(fields map[string]any) (*EncryptedEnvelope, error) {
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize sensitive fields: %w", err)
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return &EncryptedEnvelope{
		Ciphertext: hex.EncodeToString(ciphertext),
		Tag:        hex.EncodeToString(tag),
		Nonce:      hex.EncodeToString(nonce),
		Algorithm:  AlgorithmAESGCM,
	}, nil
}

// Decrypt opens an envelope and returns the plaintext fields. It fails
// closed: any tag mismatch, malformed envelope, or algorithm mismatch
// returns an error wrapping ErrDecryptionFailed and never partial plaintext.
func (e *Engine) Decrypt(envelope *EncryptedEnvelope) (map[string]any, error) {
	if envelope == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
	}
	if envelope.Algorithm != AlgorithmAESGCM {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, envelope.Algorithm)
	}

	ciphertext, err := hex.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext encoding", ErrMalformedEnvelope)
	}
	tag, err := hex.DecodeString(envelope.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid tag encoding", ErrMalformedEnvelope)
	}
	nonce, err := hex.DecodeString(envelope.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid nonce encoding", ErrMalformedEnvelope)
	}
	if len(nonce) != e.aead.NonceSize() || len(tag) != gcmTagSize {
		return nil, fmt.Errorf("%w: wrong nonce or tag length", ErrMalformedEnvelope)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}

	var fields map[string]any
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, fmt.Errorf("%w: invalid plaintext payload", ErrDecryptionFailed)
	}
	return fields, nil
}
