package tokencache

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	envelopePrefix = "tokencache.v1:"
	protectPurpose = "tailspin.tokencache"
)

// ErrUnprotect is returned when a payload cannot be authenticated or decrypted.
var ErrUnprotect = errors.New("tokencache: unprotect failed")

// Protector encrypts cache payloads before they reach a backing store. The
// payload is bound to the store key it was sealed for.
type Protector interface {
	Protect(ctx context.Context, key string, plaintext []byte) ([]byte, error)
	Unprotect(ctx context.Context, key string, ciphertext []byte) ([]byte, error)
}

type envelope struct {
	KeyID      string `json:"kid"`
	Algorithm  string `json:"alg"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// AppKeyProtector seals payloads with AES-256-GCM under a key derived from an
// application secret with HKDF-SHA256.
type AppKeyProtector struct {
	aead  cipher.AEAD
	keyID string
}

// NewAppKeyProtector derives the sealing key from secret. keyID is recorded in
// each envelope so rotated keys can be told apart.
func NewAppKeyProtector(secret []byte, keyID string) (*AppKeyProtector, error) {
	secret = bytes.TrimSpace(secret)
	if len(secret) == 0 {
		return nil, errors.New("tokencache: protection key material is required")
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		keyID = "app-key"
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(protectPurpose)), key); err != nil {
		return nil, fmt.Errorf("tokencache: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tokencache: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokencache: create gcm: %w", err)
	}
	return &AppKeyProtector{aead: aead, keyID: keyID}, nil
}

// additionalData authenticates the key id and the store key with the payload.
func additionalData(keyID, key string) []byte {
	return []byte(keyID + "\x00" + key)
}

func (p *AppKeyProtector) Protect(_ context.Context, key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("tokencache: nonce generation failed: %w", err)
	}
	sealed := p.aead.Seal(nil, nonce, plaintext, additionalData(p.keyID, key))
	data, err := json.Marshal(envelope{
		KeyID:      p.keyID,
		Algorithm:  "aes-256-gcm",
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return nil, fmt.Errorf("tokencache: encode envelope: %w", err)
	}
	return append([]byte(envelopePrefix), data...), nil
}

func (p *AppKeyProtector) Unprotect(_ context.Context, key string, ciphertext []byte) ([]byte, error) {
	if !bytes.HasPrefix(ciphertext, []byte(envelopePrefix)) {
		return nil, fmt.Errorf("%w: missing envelope prefix", ErrUnprotect)
	}
	var env envelope
	if err := json.Unmarshal(ciphertext[len(envelopePrefix):], &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrUnprotect, err)
	}
	if env.KeyID != p.keyID {
		return nil, fmt.Errorf("%w: unknown key id %q", ErrUnprotect, env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != p.aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce", ErrUnprotect)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrUnprotect)
	}
	plain, err := p.aead.Open(nil, nonce, sealed, additionalData(env.KeyID, key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnprotect, err)
	}
	return plain, nil
}

// Protected decorates store so values are sealed on Set and opened on Get.
func Protected(store Store, protector Protector) Store {
	if protector == nil {
		return store
	}
	return &protectedStore{inner: store, protector: protector}
}

type protectedStore struct {
	inner     Store
	protector Protector
}

func (s *protectedStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.protector.Unprotect(ctx, key, raw)
}

func (s *protectedStore) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := s.protector.Protect(ctx, key, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *protectedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
