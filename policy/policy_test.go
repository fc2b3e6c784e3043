package policy

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/deemkeen/boardfed/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	Store
	fail bool
}

func (s *failingStore) ReadDomainRules(ctx context.Context) (map[string][]string, error) {
	if s.fail {
		return nil, errors.New("disk on fire")
	}
	return s.Store.ReadDomainRules(ctx)
}

func setupCache(t *testing.T, mode Mode) (*Cache, *db.DB) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "policy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := New(store, mode)
	require.NoError(t, c.Reload(context.Background()))
	return c, store
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Example.COM", "example.com"},
		{"example.com.", "example.com"},
		{"example.com:8443", "example.com"},
		{"  social.example  ", "social.example"},
		{"münchen.example", "xn--mnchen-3ya.example"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := Normalize("")
	assert.ErrorIs(t, err, ErrInvalidDomain)
	_, err = Normalize(".")
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestBlocklistMode(t *testing.T) {
	c, _ := setupCache(t, ModeBlocklist)
	ctx := context.Background()

	assert.True(t, c.Allowed("anything.example"), "empty blocklist allows everything")

	require.NoError(t, c.Block(ctx, "Bad.Example"))
	assert.False(t, c.Allowed("bad.example"))
	assert.False(t, c.Allowed("BAD.example."))
	assert.False(t, c.Allowed("bad.example:443"))
	assert.False(t, c.Allowed("sub.bad.example"), "rules cover subdomains")
	assert.True(t, c.Allowed("notbad.example"))
	assert.True(t, c.Allowed("good.example"))

	require.NoError(t, c.Unblock(ctx, "bad.example"))
	assert.True(t, c.Allowed("bad.example"))

	err := c.Unblock(ctx, "bad.example")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestEmptyAllowlistDeniesAll(t *testing.T) {
	c, _ := setupCache(t, ModeAllowlist)

	assert.Equal(t, ModeAllowlist, c.Mode())
	for _, d := range []string{"mastodon.example", "localhost", "a.b.c.example"} {
		assert.False(t, c.Allowed(d), d)
	}
}

func TestAllowlistMode(t *testing.T) {
	c, _ := setupCache(t, ModeAllowlist)
	ctx := context.Background()

	require.NoError(t, c.Allow(ctx, "friends.example"))
	assert.True(t, c.Allowed("friends.example"))
	assert.True(t, c.Allowed("social.friends.example"))
	assert.False(t, c.Allowed("strangers.example"))

	// Block rules are ignored in allowlist mode.
	require.NoError(t, c.Block(ctx, "friends.example"))
	assert.True(t, c.Allowed("friends.example"))

	require.NoError(t, c.Disallow(ctx, "friends.example"))
	assert.False(t, c.Allowed("friends.example"))
}

func TestSetModePersists(t *testing.T) {
	c, store := setupCache(t, ModeBlocklist)
	ctx := context.Background()

	require.NoError(t, c.SetMode(ctx, ModeAllowlist))
	assert.False(t, c.Allowed("remote.example"))

	stored, err := store.ReadSetting(ctx, ModeSetting)
	require.NoError(t, err)
	assert.Equal(t, "allowlist", stored)

	// A second process sees the stored mode over its configured default.
	other := New(store, ModeBlocklist)
	require.NoError(t, other.Reload(ctx))
	assert.Equal(t, ModeAllowlist, other.Mode())

	assert.Error(t, c.SetMode(ctx, Mode("greylist")))
}

func TestReloadPicksUpExternalChanges(t *testing.T) {
	c, store := setupCache(t, ModeBlocklist)
	ctx := context.Background()

	require.NoError(t, store.AddDomainRule(ctx, "spam.example", KindBlock))
	assert.True(t, c.Allowed("spam.example"), "snapshot is stale until reload")

	require.NoError(t, c.Reload(ctx))
	assert.False(t, c.Allowed("spam.example"))
}

func TestReloadFailureKeepsSnapshot(t *testing.T) {
	_, store := setupCache(t, ModeBlocklist)
	ctx := context.Background()
	require.NoError(t, store.AddDomainRule(ctx, "spam.example", KindBlock))

	fs := &failingStore{Store: store}
	c := New(fs, ModeBlocklist)
	require.NoError(t, c.Reload(ctx))
	assert.False(t, c.Allowed("spam.example"))

	fs.fail = true
	assert.Error(t, c.Reload(ctx))
	assert.False(t, c.Allowed("spam.example"))
}

func TestList(t *testing.T) {
	c, _ := setupCache(t, ModeBlocklist)
	ctx := context.Background()

	require.NoError(t, c.Block(ctx, "b.example"))
	require.NoError(t, c.Block(ctx, "a.example"))
	require.NoError(t, c.Allow(ctx, "c.example"))

	blocked, allowed := c.List()
	assert.Equal(t, []string{"a.example", "b.example"}, blocked)
	assert.Equal(t, []string{"c.example"}, allowed)
}

func TestConcurrentReadsDuringReload(t *testing.T) {
	c, _ := setupCache(t, ModeBlocklist)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Allowed("remote.example")
			}
		}()
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Reload(ctx))
	}
	wg.Wait()
}
