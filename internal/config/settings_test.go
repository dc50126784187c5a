package config

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-incidents/internal/cache"
	"nostr-incidents/internal/filter"
	"nostr-incidents/internal/report"
	"nostr-incidents/internal/store"
)

func newPubKey(t *testing.T) string {
	t.Helper()
	pk, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	return pk
}

func newSettings(t *testing.T) (*Settings, *store.Store, *cache.Cache) {
	t.Helper()
	c := cache.New(filepath.Join(t.TempDir(), "cache.db"))
	t.Cleanup(func() { c.Close() })
	s := store.New(store.State{})
	settings := NewSettings(c, s, DefaultRecord(nil))
	require.NoError(t, settings.Load(context.Background()))
	return settings, s, c
}

func TestSettingsLoadProjectsDefaults(t *testing.T) {
	_, s, _ := newSettings(t)
	st := s.Get()

	require.Len(t, st.Relays, len(DefaultRelays))
	assert.Equal(t, store.StatusUnknown, st.Relays[0].Status)
	assert.Equal(t, "incident", st.Settings.ActiveFocusTag())
	assert.NotEmpty(t, st.Settings.Categories)
	assert.Equal(t, uint64(1), st.SettingsVersion)
}

func TestSettingsPersistAcrossReload(t *testing.T) {
	settings, _, c := newSettings(t)
	ctx := context.Background()

	require.NoError(t, settings.AddRelay(ctx, "wss://Extra.Example.com/", true, false))
	require.NoError(t, settings.RemoveRelay(ctx, "wss://nos.lol"))
	require.NoError(t, settings.SetFollowedOnly(ctx, true))

	fresh := store.New(store.State{})
	reloaded := NewSettings(c, fresh, DefaultRecord(nil))
	require.NoError(t, reloaded.Load(ctx))

	var urls []string
	for _, r := range fresh.Get().Relays {
		urls = append(urls, r.URL)
	}
	assert.Contains(t, urls, "wss://extra.example.com")
	assert.NotContains(t, urls, "wss://nos.lol")
	assert.True(t, fresh.Get().Settings.FollowedOnly)
}

func TestSingleActiveFocusTag(t *testing.T) {
	settings, s, _ := newSettings(t)
	ctx := context.Background()

	require.NoError(t, settings.AddFocusTag(ctx, "Fires", "Fire"))
	require.NoError(t, settings.SetActiveFocusTag(ctx, "fire"))
	assert.Equal(t, "fire", s.Get().Settings.ActiveFocusTag())

	active := 0
	for _, f := range settings.Record().FocusTags {
		if f.Active {
			active++
		}
	}
	assert.Equal(t, 1, active)

	err := settings.SetActiveFocusTag(ctx, "unknown")
	require.ErrorIs(t, err, ErrInvalidSettings)
	assert.Equal(t, "fire", s.Get().Settings.ActiveFocusTag(), "failed change leaves state untouched")
}

func TestMuteKeepsLoadedReports(t *testing.T) {
	settings, s, _ := newSettings(t)
	ctx := context.Background()
	spammer, other := newPubKey(t), newPubKey(t)
	s.IngestReport(&report.Report{ID: "a", PubKey: spammer, At: 1})
	s.IngestReport(&report.Report{ID: "b", PubKey: other, At: 2})

	npub, err := nip19.EncodePublicKey(spammer)
	require.NoError(t, err)
	require.NoError(t, settings.Mute(ctx, npub))

	assert.True(t, s.Get().Settings.IsMuted(spammer))
	assert.Len(t, s.Get().Reports, 2, "muting hides reports without dropping them")
	visible := filter.Apply(s.Get())
	require.Len(t, visible, 1)
	assert.Equal(t, "b", visible[0].ID)

	require.NoError(t, settings.Unmute(ctx, spammer))
	assert.False(t, s.Get().Settings.IsMuted(spammer))
	assert.Len(t, filter.Apply(s.Get()), 2, "unmuted author is visible again")

	assert.ErrorIs(t, settings.Mute(ctx, "garbage"), ErrInvalidSettings)
}

func TestFollowUnfollow(t *testing.T) {
	settings, s, c := newSettings(t)
	ctx := context.Background()
	pk := newPubKey(t)

	require.NoError(t, settings.Follow(ctx, pk))
	require.NoError(t, settings.Follow(ctx, pk))
	assert.True(t, s.Get().Settings.IsFollowed(pk))
	n, err := c.Followed.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, settings.Unfollow(ctx, pk))
	assert.False(t, s.Get().Settings.IsFollowed(pk))
	assert.Empty(t, settings.Followed())
}

func TestExportImportRoundTrip(t *testing.T) {
	src, _, _ := newSettings(t)
	ctx := context.Background()
	muted, followed := newPubKey(t), newPubKey(t)
	require.NoError(t, src.Mute(ctx, muted))
	require.NoError(t, src.Follow(ctx, followed))
	require.NoError(t, src.AddRelay(ctx, "wss://mine.example.com", true, true))

	var buf bytes.Buffer
	require.NoError(t, src.Export(&buf))

	dst, s, _ := newSettings(t)
	require.NoError(t, dst.Import(ctx, &buf))

	assert.Equal(t, src.Record(), dst.Record())
	assert.True(t, s.Get().Settings.IsMuted(muted))
	assert.True(t, s.Get().Settings.IsFollowed(followed))
	require.Len(t, dst.Followed(), 1)
	assert.Equal(t, followed, dst.Followed()[0].PubKey)
}

func TestImportRejectsInvalidDocument(t *testing.T) {
	settings, s, _ := newSettings(t)
	ctx := context.Background()
	before := settings.Record()

	docs := []string{
		`not json`,
		`{"settings": {"relays": [], "focusTags": []}}`,
		`{"settings": {"relays": [{"url": "ftp://x"}], "focusTags": []}, "followedPubkeys": []}`,
		`{"settings": {"relays": [], "focusTags": [], "muted": ["NOTHEX"]}, "followedPubkeys": []}`,
		`{"settings": {"relays": [], "focusTags": []}, "followedPubkeys": [{"pk": 42}]}`,
	}
	for _, doc := range docs {
		err := settings.Import(ctx, strings.NewReader(doc))
		assert.ErrorIs(t, err, ErrInvalidImport, doc)
	}
	assert.Equal(t, before, settings.Record())
	assert.Equal(t, uint64(1), s.Get().SettingsVersion)
}
