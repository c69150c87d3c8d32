// Package signing signs event hashes on behalf of emitters and verifies
// them during audits. The store treats the key service as an opaque oracle.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"
)

// SignaturePrefix tags every signature string.
const SignaturePrefix = "ed25519:"

const derivationSalt = "assetledger-emitter-kdf"

var (
	ErrInvalidSignature = errors.New("signature does not verify")
	ErrMalformed        = errors.New("malformed signature")
	ErrUnknownEmitter   = errors.New("emitter id is empty")
	ErrMissingSeed      = errors.New("signing.master_seed is required outside development")
)

// KeyService signs and verifies on behalf of emitters.
type KeyService interface {
	Sign(ctx context.Context, emitterID string, message []byte) (string, error)
	Verify(ctx context.Context, emitterID string, message []byte, signature string) error
	PublicKey(ctx context.Context, emitterID string) (ed25519.PublicKey, error)
}

// Keyring derives one ed25519 key per emitter from a master seed using
// HKDF-SHA256, so no per-emitter key material needs to be stored.
type Keyring struct {
	seed []byte

	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewKeyring builds a keyring from a 32-byte master seed.
func NewKeyring(seed []byte) (*Keyring, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("master seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	s := make([]byte, len(seed))
	copy(s, seed)
	return &Keyring{seed: s, keys: make(map[string]ed25519.PrivateKey)}, nil
}

// NewKeyringFromConfig decodes a base64 master seed. An empty value yields an
// ephemeral seed only when allowEphemeral is set: signatures made with it do
// not verify in any other process, and an audit would quarantine every asset.
func NewKeyringFromConfig(encoded string, allowEphemeral bool) (*Keyring, error) {
	if encoded == "" {
		if !allowEphemeral {
			return nil, ErrMissingSeed
		}
		log.Warn().Msg("signing.master_seed not set, using an ephemeral signing seed")
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate seed: %w", err)
		}
		return NewKeyring(seed)
	}
	seed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode master seed: %w", err)
	}
	return NewKeyring(seed)
}

func (k *Keyring) key(emitterID string) (ed25519.PrivateKey, error) {
	if emitterID == "" {
		return nil, ErrUnknownEmitter
	}
	k.mu.RLock()
	priv, ok := k.keys[emitterID]
	k.mu.RUnlock()
	if ok {
		return priv, nil
	}

	r := hkdf.New(sha256.New, k.seed, []byte(derivationSalt), []byte("assetledger/emitter/"+emitterID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("derive emitter key: %w", err)
	}
	priv = ed25519.NewKeyFromSeed(seed)

	k.mu.Lock()
	k.keys[emitterID] = priv
	k.mu.Unlock()
	return priv, nil
}

func (k *Keyring) Sign(_ context.Context, emitterID string, message []byte) (string, error) {
	priv, err := k.key(emitterID)
	if err != nil {
		return "", err
	}
	return Encode(ed25519.Sign(priv, message)), nil
}

func (k *Keyring) Verify(ctx context.Context, emitterID string, message []byte, signature string) error {
	pub, err := k.PublicKey(ctx, emitterID)
	if err != nil {
		return err
	}
	return VerifyWith(pub, message, signature)
}

func (k *Keyring) PublicKey(_ context.Context, emitterID string) (ed25519.PublicKey, error) {
	priv, err := k.key(emitterID)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// Encode renders raw signature bytes in the stored text form.
func Encode(sig []byte) string {
	return SignaturePrefix + base64.StdEncoding.EncodeToString(sig)
}

// Decode parses the stored text form.
func Decode(signature string) ([]byte, error) {
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return nil, ErrMalformed
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(signature, SignaturePrefix))
	if err != nil || len(raw) != ed25519.SignatureSize {
		return nil, ErrMalformed
	}
	return raw, nil
}

// VerifyWith checks a signature against an explicit public key. Independent
// auditors holding only public keys use this path.
func VerifyWith(pub ed25519.PublicKey, message []byte, signature string) error {
	raw, err := Decode(signature)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, message, raw) {
		return ErrInvalidSignature
	}
	return nil
}
