package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// ErrBadPassphrase is returned when the secret key cannot be decrypted.
var ErrBadPassphrase = errors.New("identity: wrong passphrase")

// ScryptLogN is the scrypt cost parameter (N = 2^ScryptLogN).
var ScryptLogN uint8 = 16

// EncryptedKey is a secret key sealed with a passphrase-derived key.
type EncryptedKey struct {
	LogN       uint8  `json:"logN"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func deriveKey(passphrase string, salt []byte, logN uint8) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, 1<<logN, 8, 1, chacha20poly1305.KeySize)
}

// Encrypt seals a hex secret key.
func Encrypt(secretHex, passphrase string) (*EncryptedKey, error) {
	secret, err := hex.DecodeString(secretHex)
	if err != nil || len(secret) != 32 {
		return nil, fmt.Errorf("identity: secret key must be 32 hex-encoded bytes")
	}
	defer wipe(secret)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key, err := deriveKey(passphrase, salt, ScryptLogN)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return &EncryptedKey{
		LogN:       ScryptLogN,
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(aead.Seal(nil, nonce, secret, nil)),
	}, nil
}

// Decrypt opens the sealed key and returns it hex encoded.
func (e *EncryptedKey) Decrypt(passphrase string) (string, error) {
	salt, err1 := hex.DecodeString(e.Salt)
	nonce, err2 := hex.DecodeString(e.Nonce)
	ct, err3 := hex.DecodeString(e.Ciphertext)
	if err := errors.Join(err1, err2, err3); err != nil {
		return "", fmt.Errorf("identity: corrupt encrypted key: %w", err)
	}

	key, err := deriveKey(passphrase, salt, e.LogN)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("identity: corrupt encrypted key: bad nonce")
	}
	secret, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrBadPassphrase
	}
	defer wipe(secret)
	return hex.EncodeToString(secret), nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
