package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"wss://Relay.Example.com/":  "wss://relay.example.com",
		" wss://relay.example.com ": "wss://relay.example.com",
		"https://relay.example.com": "wss://relay.example.com",
		"ws://localhost:7777/path/": "ws://localhost:7777/path",
		"wss://bücher.example":      "wss://xn--bcher-kva.example",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"ftp://x", "wss://", "::::"} {
		_, err := NormalizeURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestHTTPInfoFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/nostr+json" {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		w.Header().Set("Content-Type", "application/nostr+json")
		w.Write([]byte(`{"name":"test relay","supported_nips":[1,11,50]}`))
	}))
	defer srv.Close()

	wsURL := "ws://" + strings.TrimPrefix(srv.URL, "http://")
	info, err := HTTPInfoFetcher{}.FetchInfo(context.Background(), wsURL)
	require.NoError(t, err)
	assert.Equal(t, "test relay", info.Name)
	assert.Equal(t, "", info.Description)
}

func TestHTTPInfoFetcherError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := HTTPInfoFetcher{}.FetchInfo(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestHTTPInfoFetcherTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	_, err := HTTPInfoFetcher{Timeout: 50 * time.Millisecond}.FetchInfo(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
