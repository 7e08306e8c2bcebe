package update

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/config"
)

func TestSafeVersionPattern(t *testing.T) {
	for _, ok := range []string{"1.0.0", "12.34.56", "0.0.1"} {
		assert.True(t, safeVersion.MatchString(ok), ok)
	}
	for _, bad := range []string{
		"1.0", "1.0.0-beta", "v1.0.0", "latest", "",
		"1.0.0; rm -rf /", "1.0.0 && echo pwned", "$(whoami)",
	} {
		assert.False(t, safeVersion.MatchString(bad), bad)
	}
}

func TestNewerThan(t *testing.T) {
	assert.True(t, newerThan("1.2.4", "1.2.3"))
	assert.True(t, newerThan("2.0.0", "1.9.9"))
	assert.True(t, newerThan("1.10.0", "1.9.0"), "segments compare numerically, not lexically")
	assert.False(t, newerThan("1.2.3", "1.2.3"))
	assert.False(t, newerThan("1.2.3", "1.2.4"))
	assert.False(t, newerThan("garbage", "1.2.3"))
	assert.False(t, newerThan("1.2.3", "dev"), "unparseable current version never triggers")
}

func TestParseVersionToleratesCommonForms(t *testing.T) {
	got, ok := parseVersion("v1.2.3")
	require.True(t, ok)
	assert.Equal(t, [3]int{1, 2, 3}, got)

	got, ok = parseVersion("1.2.3-rc.1")
	require.True(t, ok)
	assert.Equal(t, [3]int{1, 2, 3}, got)

	_, ok = parseVersion("1.2")
	assert.False(t, ok)
}

func TestFetchLatestReadsDistTags(t *testing.T) {
	reg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/durandal-memory-mcp", r.URL.Path,
			"the checker requests the package document, not a subresource")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"durandal-memory-mcp","dist-tags":{"latest":"9.9.9","beta":"10.0.0-beta.1"}}`))
	}))
	defer reg.Close()

	c := NewChecker(config.UpdateConfig{Package: "durandal-memory-mcp"}, "1.0.0", zap.NewNop())
	c.registry = reg.URL

	latest, err := c.fetchLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "9.9.9", latest)
}

func TestFetchLatestRejectsUnsafeVersions(t *testing.T) {
	reg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"dist-tags":{"latest":"9.9.9; rm -rf /"}}`))
	}))
	defer reg.Close()

	c := NewChecker(config.UpdateConfig{Package: "durandal-memory-mcp"}, "1.0.0", zap.NewNop())
	c.registry = reg.URL

	_, err := c.fetchLatest(context.Background())
	assert.Error(t, err, "a version that fails the safety pattern is discarded")
}

func TestCacheRoundTrip(t *testing.T) {
	c := NewChecker(config.UpdateConfig{}, "1.0.0", zap.NewNop())
	c.cacheDir = t.TempDir()

	_, ok := c.readCache()
	assert.False(t, ok, "missing cache file reads as absent")

	want := cacheFile{CheckedAt: time.Now().Truncate(time.Second), Latest: "1.2.3"}
	c.writeCache(want)

	got, ok := c.readCache()
	require.True(t, ok)
	assert.Equal(t, want.Latest, got.Latest)
	assert.WithinDuration(t, want.CheckedAt, got.CheckedAt, time.Second)
}

func TestRunDisabledDoesNothing(t *testing.T) {
	c := NewChecker(config.UpdateConfig{Enabled: false}, "1.0.0", zap.NewNop())
	c.cacheDir = t.TempDir()

	c.Run(context.Background())

	_, ok := c.readCache()
	assert.False(t, ok, "disabled checker must not touch the network or the cache")
}
