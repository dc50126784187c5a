package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Prune.MaxReports)
	assert.Equal(t, 24*time.Hour, cfg.Sync.ProfileFreshness.Duration)
	assert.Len(t, cfg.Relays, len(DefaultRelays))
}

func TestLoadFormats(t *testing.T) {
	files := map[string]string{
		"config.toml": `
data_dir = "/tmp/incidents"
publish_url = "https://publish.example.com/events"

[[relays]]
url = "wss://Relay.Example.com/"
read = true
write = false

[sync]
query_timeout = "2s"

[log]
level = "debug"
format = "json"
`,
		"config.yaml": `
data_dir: /tmp/incidents
publish_url: https://publish.example.com/events
relays:
  - url: wss://Relay.Example.com/
    read: true
    write: false
sync:
  query_timeout: 2s
log:
  level: debug
  format: json
`,
		"config.json": `{
  "data_dir": "/tmp/incidents",
  "publish_url": "https://publish.example.com/events",
  "relays": [{"url": "wss://Relay.Example.com/", "read": true, "write": false}],
  "sync": {"query_timeout": "2s"},
  "log": {"level": "debug", "format": "json"}
}`,
	}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "/tmp/incidents", cfg.DataDir)
			assert.Equal(t, "https://publish.example.com/events", cfg.PublishURL)
			assert.Equal(t, []RelayConfig{{URL: "wss://relay.example.com", Read: true}}, cfg.Relays)
			assert.Equal(t, 2*time.Second, cfg.Sync.QueryTimeout.Duration)
			assert.Equal(t, 30*time.Second, cfg.Sync.ReconnectInterval.Duration, "unset fields keep defaults")
			assert.Equal(t, "debug", cfg.Log.Level)
			assert.Equal(t, "json", cfg.Log.Format)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INCIDENTS_PUBLISH_URL", "http://localhost:9000/publish")
	t.Setenv("INCIDENTS_LOG_LEVEL", "warn")
	t.Setenv("INCIDENTS_DATA_DIR", "/var/lib/incidents")
	t.Setenv("INCIDENTS_RELAYS", "wss://one.example.com, wss://two.example.com")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/publish", cfg.PublishURL)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/var/lib/incidents", cfg.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/incidents", "cache.db"), cfg.DatabasePath())
	require.Len(t, cfg.Relays, 2)
	assert.Equal(t, "wss://two.example.com", cfg.Relays[1].URL)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PublishURL = "ftp://nope"
	cfg.Relays = append(cfg.Relays, RelayConfig{URL: "not a relay"}, RelayConfig{URL: "wss://relay.damus.io/"})
	cfg.Sync.MaxGeohashCells = 0
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)

	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, f := range []string{"publish_url", "relays[3].url", "relays[4].url", "sync.max_geohash_cells", "log.level", "log.format"} {
		assert.True(t, fields[f], f)
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := DefaultConfig()
	cfg.PublishURL = "https://publish.example.com"
	cfg.Prune.ProfileTTL = Duration{48 * time.Hour}
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.PublishURL, got.PublishURL)
	assert.Equal(t, 48*time.Hour, got.Prune.ProfileTTL.Duration)
}

func TestLoaderWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"info\"\n"), 0o600))

	l := NewLoader(path)
	l.debounce = 10 * time.Millisecond
	_, err := l.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	l.OnChange(func(c *Config) { changed <- c })
	require.NoError(t, l.Watch())
	defer l.Close()

	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"debug\"\n"), 0o600))

	select {
	case c := <-changed:
		assert.Equal(t, "debug", c.Log.Level)
		assert.Equal(t, "debug", l.Config().Log.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestLoaderReportsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o600))

	l := NewLoader(path)
	l.debounce = 10 * time.Millisecond
	_, err := l.Load()
	require.NoError(t, err)
	require.NoError(t, l.Watch())
	defer l.Close()

	require.NoError(t, os.WriteFile(path, []byte("[log]\nformat = \"xml\"\n"), 0o600))

	select {
	case err := <-l.Errors():
		assert.Error(t, err)
		assert.Equal(t, "text", l.Config().Log.Format, "previous config stays active")
	case <-time.After(3 * time.Second):
		t.Fatal("no reload error reported")
	}
}

func TestReloadRunsEveryCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"warn\"\n"), 0o600))

	l := NewLoader(path)
	defer l.Close()

	var order []string
	l.OnChange(func(c *Config) { order = append(order, "first:"+c.Log.Level) })
	l.OnChange(func(c *Config) {
		order = append(order, "second:"+c.Log.Level)
		// Registering from a callback must not deadlock or run in this reload.
		l.OnChange(func(*Config) { order = append(order, "late") })
	})

	l.reload()
	assert.Equal(t, []string{"first:warn", "second:warn"}, order)
	assert.Equal(t, "warn", l.Config().Log.Level)

	order = nil
	l.reload()
	assert.Equal(t, []string{"first:warn", "second:warn", "late"}, order)
}
