// Package identity manages the user's Nostr key: encrypted storage at rest,
// unlocking into memory, and signing.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrNoIdentity is returned when signing is requested without an unlocked identity.
var ErrNoIdentity = errors.New("identity: no identity available")

// AuthMethod tells how the identity signs.
type AuthMethod string

const (
	AuthExtension AuthMethod = "extension"
	AuthLocal     AuthMethod = "local"
	AuthImported  AuthMethod = "imported"
)

// Signer signs event templates. A local decrypted key and a delegated
// external signer both satisfy it.
type Signer interface {
	PublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, evt *nostr.Event) error
}

// Record is the persisted identity.
type Record struct {
	PublicKey          string        `json:"publicKey"`
	AuthMethod         AuthMethod    `json:"authMethod"`
	EncryptedSecretKey *EncryptedKey `json:"encryptedSecretKey,omitempty"`
}

// LocalSigner signs with an in-memory secret key.
type LocalSigner struct {
	mu sync.RWMutex
	sk string
	pk string
}

// NewLocalSigner validates the hex secret key and derives its public key.
func NewLocalSigner(skHex string) (*LocalSigner, error) {
	pk, err := nostr.GetPublicKey(skHex)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid secret key: %w", err)
	}
	return &LocalSigner{sk: skHex, pk: pk}, nil
}

func (s *LocalSigner) PublicKey(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sk == "" {
		return "", ErrNoIdentity
	}
	return s.pk, nil
}

func (s *LocalSigner) SignEvent(_ context.Context, evt *nostr.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sk == "" {
		return ErrNoIdentity
	}
	evt.PubKey = s.pk
	if err := evt.Sign(s.sk); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	return nil
}

// clear drops the secret key. The signer is unusable afterwards.
func (s *LocalSigner) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sk = ""
}

// Manager owns the active identity.
type Manager struct {
	ks Keystore

	mu     sync.Mutex
	record *Record
	signer Signer
}

// NewManager loads the stored record, if any. The key stays locked.
func NewManager(ks Keystore) (*Manager, error) {
	m := &Manager{ks: ks}
	data, err := ks.Load()
	if errors.Is(err, ErrNoRecord) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	m.record = &rec
	return m, nil
}

// Generate creates a new key, stores it encrypted and unlocks it.
func (m *Manager) Generate(passphrase string) (string, error) {
	return m.store(nostr.GeneratePrivateKey(), passphrase, AuthLocal)
}

// Import stores an nsec or hex secret key encrypted with passphrase.
func (m *Manager) Import(value, passphrase string) (string, error) {
	sk := strings.TrimSpace(value)
	if strings.HasPrefix(sk, "nsec") {
		_, decoded, err := nip19.Decode(sk)
		if err != nil {
			return "", fmt.Errorf("identity: invalid nsec: %w", err)
		}
		hexKey, ok := decoded.(string)
		if !ok {
			return "", fmt.Errorf("identity: invalid nsec payload")
		}
		sk = hexKey
	}
	return m.store(sk, passphrase, AuthImported)
}

func (m *Manager) store(sk, passphrase string, method AuthMethod) (string, error) {
	signer, err := NewLocalSigner(sk)
	if err != nil {
		return "", err
	}
	if !nostr.IsValidPublicKeyHex(signer.pk) {
		return "", fmt.Errorf("identity: derived public key is invalid")
	}
	enc, err := Encrypt(sk, passphrase)
	if err != nil {
		return "", err
	}
	rec := &Record{PublicKey: signer.pk, AuthMethod: method, EncryptedSecretKey: enc}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := m.ks.Save(data); err != nil {
		return "", fmt.Errorf("save identity: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropSigner()
	m.record = rec
	m.signer = signer
	return signer.pk, nil
}

// UseExternal installs a delegated signer, e.g. a browser extension bridge.
// Nothing secret is persisted.
func (m *Manager) UseExternal(ctx context.Context, s Signer) (string, error) {
	pk, err := s.PublicKey(ctx)
	if err != nil {
		return "", fmt.Errorf("external signer: %w", err)
	}
	rec := &Record{PublicKey: pk, AuthMethod: AuthExtension}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := m.ks.Save(data); err != nil {
		return "", fmt.Errorf("save identity: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropSigner()
	m.record = rec
	m.signer = s
	return pk, nil
}

// Unlock decrypts the stored key into memory.
func (m *Manager) Unlock(passphrase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil || m.record.EncryptedSecretKey == nil {
		return ErrNoIdentity
	}
	sk, err := m.record.EncryptedSecretKey.Decrypt(passphrase)
	if err != nil {
		return err
	}
	signer, err := NewLocalSigner(sk)
	if err != nil {
		return err
	}
	m.dropSigner()
	m.signer = signer
	return nil
}

// Logout clears the in-memory key. The encrypted record stays unless forget is set.
func (m *Manager) Logout(forget bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropSigner()
	if !forget {
		return nil
	}
	m.record = nil
	return m.ks.Erase()
}

func (m *Manager) dropSigner() {
	if ls, ok := m.signer.(*LocalSigner); ok {
		ls.clear()
	}
	m.signer = nil
}

// Record returns the stored identity, or nil.
func (m *Manager) Record() *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil {
		return nil
	}
	rec := *m.record
	return &rec
}

// Unlocked reports whether a signer is available.
func (m *Manager) Unlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signer != nil
}

// PublicKey implements Signer.
func (m *Manager) PublicKey(ctx context.Context) (string, error) {
	m.mu.Lock()
	s := m.signer
	m.mu.Unlock()
	if s == nil {
		return "", ErrNoIdentity
	}
	return s.PublicKey(ctx)
}

// SignEvent implements Signer by delegating to the active signer.
func (m *Manager) SignEvent(ctx context.Context, evt *nostr.Event) error {
	m.mu.Lock()
	s := m.signer
	m.mu.Unlock()
	if s == nil {
		return ErrNoIdentity
	}
	return s.SignEvent(ctx, evt)
}

// NPub returns the bech32 public key of the stored identity.
func (m *Manager) NPub() (string, error) {
	rec := m.Record()
	if rec == nil {
		return "", ErrNoIdentity
	}
	return nip19.EncodePublicKey(rec.PublicKey)
}
