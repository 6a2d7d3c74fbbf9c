package httpcache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyExcludesSecretHeaders(t *testing.T) {
	h1 := http.Header{"Authorization": {"Bearer abc"}, "Accept": {"application/json"}}
	h2 := http.Header{"Authorization": {"Bearer xyz"}, "Accept": {"application/json"}}

	k1 := Key("GET", "https://ear.example.org/a", h1, nil)
	k2 := Key("GET", "https://ear.example.org/a", h2, nil)
	assert.Equal(t, k1, k2, "secret headers must not affect the cache key")
}

func TestKeyDiffersByMethodAndURL(t *testing.T) {
	h := http.Header{}
	k1 := Key("GET", "https://ear.example.org/a", h, nil)
	k2 := Key("GET", "https://ear.example.org/b", h, nil)
	k3 := Key("POST", "https://ear.example.org/a", h, nil)
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestStoreRejectedWhenRecordingDisabled(t *testing.T) {
	c, err := New(t.TempDir(), false)
	require.NoError(t, err)

	err = c.Store("somekey", &Recording{StatusCode: 200})
	require.Error(t, err)
}

func TestStoreThenLoadRoundTrips(t *testing.T) {
	c, err := New(t.TempDir(), true)
	require.NoError(t, err)

	rec := &Recording{StatusCode: 200, Header: map[string][]string{"X-Test": {"1"}}, Body: []byte("hello")}
	require.NoError(t, c.Store("key1", rec))

	loaded, err := c.Load("key1")
	require.NoError(t, err)
	assert.Equal(t, rec.StatusCode, loaded.StatusCode)
	assert.Equal(t, rec.Body, loaded.Body)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	c, err := New(t.TempDir(), false)
	require.NoError(t, err)

	_, err = c.Load("missing")
	require.Error(t, err)
}

func TestTransportServesFromCacheWithoutHittingNetwork(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(200)
		w.Write([]byte("live"))
	}))
	defer server.Close()

	dir := filepath.Join(t.TempDir(), "cassettes")
	cassette, err := New(dir, true)
	require.NoError(t, err)

	transport := &Transport{Cassette: cassette, MaxRetries: 1}
	client := &http.Client{Transport: transport}

	resp1, err := client.Get(server.URL)
	require.NoError(t, err)
	body1, _ := io.ReadAll(resp1.Body)
	resp1.Body.Close()
	assert.Equal(t, "live", string(body1))
	assert.Equal(t, 1, hits)

	resp2, err := client.Get(server.URL)
	require.NoError(t, err)
	body2, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	assert.Equal(t, "live", string(body2))
	assert.Equal(t, 1, hits, "second request must be served from cache, not the network")
}
