package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/zalando/go-keyring"
)

// Keystore persists the identity record, which holds the secret key only in
// encrypted form.
type Keystore interface {
	Save(record []byte) error
	Load() ([]byte, error)
	Erase() error
}

// ErrNoRecord is returned by Load when nothing has been saved.
var ErrNoRecord = errors.New("identity: no stored identity")

const (
	APPID   = "org.nostr-incidents.client"
	USERKEY = "identity"
)

// OpenKeystore prefers the OS keyring and falls back to a file under dir when
// no keyring service is reachable.
func OpenKeystore(dir string) Keystore {
	if _, err := keyring.Get(APPID, USERKEY); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		slog.Info("keyring unavailable, using file keystore", "component", "identity", "error", err)
		return FileKeystore{Dir: dir}
	}
	return KeyringStore{}
}

type KeyringStore struct{}

func (KeyringStore) Save(record []byte) error {
	return keyring.Set(APPID, USERKEY, string(record))
}

func (KeyringStore) Load() ([]byte, error) {
	v, err := keyring.Get(APPID, USERKEY)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't load identity from keyring: %w", err)
	}
	return []byte(v), nil
}

func (KeyringStore) Erase() error {
	err := keyring.Delete(APPID, USERKEY)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// FileKeystore keeps the record in a 0600 file. Dir defaults to
// ~/.config/nostr/incidents.
type FileKeystore struct {
	Dir string
}

func (f FileKeystore) path() (string, error) {
	if f.Dir != "" {
		return homedir.Expand(f.Dir)
	}
	return homedir.Expand("~/.config/nostr/incidents")
}

func (f FileKeystore) prepareDirectory() (string, error) {
	path, err := f.path()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", err
	}
	return path, nil
}

func (f FileKeystore) Save(record []byte) error {
	path, err := f.prepareDirectory()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, "identity.json"), record, 0o600)
}

func (f FileKeystore) Load() ([]byte, error) {
	path, err := f.path()
	if err != nil {
		return nil, err
	}
	file := filepath.Join(path, "identity.json")
	data, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity from file (%s): %w", file, err)
	}
	return data, nil
}

func (f FileKeystore) Erase() error {
	path, err := f.path()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(path, "identity.json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
