package contentstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion = 1
	keyInfo         = "rxledger content field key v1"
	minSecretLen    = 16
)

// ErrDecrypt indicates a document that was not sealed with this key
var ErrDecrypt = errors.New("content store: cannot decrypt document")

// FieldCipher encrypts each top-level field of a JSON object separately with
// AES-256-GCM. The field name is bound as additional data so values cannot be
// swapped between fields.
type FieldCipher struct {
	aead cipher.AEAD
}

// envelope is the stored document. Field names stay readable; values do not.
type envelope struct {
	Version int               `json:"v"`
	Fields  map[string]string `json:"fields"`
}

// NewFieldCipher derives the field key from a shared secret with HKDF-SHA256
func NewFieldCipher(secret []byte) (*FieldCipher, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("content encryption secret must be at least %d bytes", minSecretLen)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &FieldCipher{aead: aead}, nil
}

// Seal marshals v, which must encode as a JSON object, and encrypts each field
func (c *FieldCipher) Seal(v interface{}) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(plain, &fields); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}

	env := envelope{Version: envelopeVersion, Fields: make(map[string]string, len(fields))}
	for name, raw := range fields {
		nonce := make([]byte, c.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("generate nonce: %w", err)
		}
		sealed := c.aead.Seal(nonce, nonce, raw, []byte(name))
		env.Fields[name] = base64.StdEncoding.EncodeToString(sealed)
	}
	return json.Marshal(env)
}

// Open decrypts a sealed document into v
func (c *FieldCipher) Open(data []byte, v interface{}) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if env.Version != envelopeVersion || env.Fields == nil {
		return fmt.Errorf("%w: unsupported envelope version %d", ErrDecrypt, env.Version)
	}

	fields := make(map[string]json.RawMessage, len(env.Fields))
	nonceSize := c.aead.NonceSize()
	for name, encoded := range env.Fields {
		sealed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrDecrypt, name, err)
		}
		if len(sealed) < nonceSize {
			return fmt.Errorf("%w: field %q too short", ErrDecrypt, name)
		}
		plain, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(name))
		if err != nil {
			return fmt.Errorf("%w: field %q", ErrDecrypt, name)
		}
		fields[name] = plain
	}

	plain, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("reassemble document: %w", err)
	}
	return json.Unmarshal(plain, v)
}
