package identity

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func init() {
	ScryptLogN = 10
}

func TestEncryptDecrypt(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	enc, err := Encrypt(sk, "correct horse")
	require.NoError(t, err)
	assert.NotContains(t, enc.Ciphertext, sk)

	got, err := enc.Decrypt("correct horse")
	require.NoError(t, err)
	assert.Equal(t, sk, got)

	_, err = enc.Decrypt("wrong")
	assert.ErrorIs(t, err, ErrBadPassphrase)
}

func TestManagerGenerateUnlockLogout(t *testing.T) {
	ctx := context.Background()
	ks := FileKeystore{Dir: t.TempDir()}

	m, err := NewManager(ks)
	require.NoError(t, err)
	_, err = m.PublicKey(ctx)
	assert.ErrorIs(t, err, ErrNoIdentity)

	pk, err := m.Generate("pass")
	require.NoError(t, err)
	assert.True(t, m.Unlocked())

	evt := nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Content: "hello"}
	require.NoError(t, m.SignEvent(ctx, &evt))
	assert.Equal(t, pk, evt.PubKey)
	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Logout(false))
	assert.False(t, m.Unlocked())
	assert.ErrorIs(t, m.SignEvent(ctx, &nostr.Event{}), ErrNoIdentity)

	reloaded, err := NewManager(ks)
	require.NoError(t, err)
	require.NotNil(t, reloaded.Record())
	assert.Equal(t, AuthLocal, reloaded.Record().AuthMethod)
	assert.ErrorIs(t, reloaded.Unlock("nope"), ErrBadPassphrase)
	require.NoError(t, reloaded.Unlock("pass"))
	got, err := reloaded.PublicKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, pk, got)

	require.NoError(t, reloaded.Logout(true))
	assert.Nil(t, reloaded.Record())
	_, err = ks.Load()
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestManagerImportNsec(t *testing.T) {
	keyring.MockInit()

	sk := nostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)
	want, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	m, err := NewManager(KeyringStore{})
	require.NoError(t, err)
	pk, err := m.Import(nsec, "pw")
	require.NoError(t, err)
	assert.Equal(t, want, pk)
	assert.Equal(t, AuthImported, m.Record().AuthMethod)

	npub, err := m.NPub()
	require.NoError(t, err)
	assert.Contains(t, npub, "npub1")

	_, err = m.Import("nsec1garbage", "pw")
	assert.Error(t, err)
	_, err = m.Import("zz", "pw")
	assert.Error(t, err)
}

type stubSigner struct{ pk string }

func (s stubSigner) PublicKey(context.Context) (string, error) { return s.pk, nil }
func (s stubSigner) SignEvent(_ context.Context, evt *nostr.Event) error {
	evt.PubKey = s.pk
	evt.Sig = "stub"
	return nil
}

func TestManagerUseExternal(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(FileKeystore{Dir: t.TempDir()})
	require.NoError(t, err)

	pk, err := m.UseExternal(ctx, stubSigner{pk: "ext"})
	require.NoError(t, err)
	assert.Equal(t, "ext", pk)
	assert.Equal(t, AuthExtension, m.Record().AuthMethod)
	assert.Nil(t, m.Record().EncryptedSecretKey)

	evt := nostr.Event{}
	require.NoError(t, m.SignEvent(ctx, &evt))
	assert.Equal(t, "stub", evt.Sig)
}
