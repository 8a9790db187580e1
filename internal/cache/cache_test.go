package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-health/internal/config"
)

func TestMemoryProviderExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryProvider()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	got[0] = 'x'
	again, _ := c.Get(ctx, "k")
	assert.Equal(t, []byte("v"), again, "callers receive copies")

	now = now.Add(time.Second)
	_, err = c.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrCacheMiss))

	require.NoError(t, c.Set(ctx, "forever", []byte("v"), 0))
	now = now.Add(24 * time.Hour)
	_, err = c.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestMemoryProviderSetNX(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryProvider()
	c.now = func() time.Time { return now }

	ok, err := c.SetNX(ctx, "cooldown", []byte("1"), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "cooldown", []byte("1"), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(5 * time.Second)
	ok, err = c.SetNX(ctx, "cooldown", []byte("1"), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired key can be claimed again")

	require.NoError(t, c.Del(ctx, "cooldown"))
	ok, _ = c.SetNX(ctx, "cooldown", []byte("1"), 0)
	assert.True(t, ok)

	require.NoError(t, c.Close())
	_, err = c.Get(ctx, "cooldown")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestNoopProvider(t *testing.T) {
	var p Provider = NoopProvider{}
	ctx := context.Background()
	require.NoError(t, p.Set(ctx, "k", []byte("v"), time.Minute))
	_, err := p.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
	ok, err := p.SetNX(ctx, "k", nil, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeysShareHealthNamespace(t *testing.T) {
	assert.Equal(t, AllServices, Scope("  "))
	assert.Equal(t, "checkout", Scope(" checkout "))
	assert.Equal(t, "health:summary:checkout", SummaryKey("checkout"))
	assert.Equal(t, "health:summary:*", SummaryKey(""))
	assert.Equal(t, []string{"health:summary:checkout", "health:summary:*"}, StaleSummaryKeys("checkout"))
	assert.Equal(t, "health:patterns:*@1-2", PatternKey("*@1-2"))
	assert.Equal(t, "health:collect:cooldown:checkout", CooldownKey("checkout"))
}

func TestClaimCooldown(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryProvider()

	ok, err := ClaimCooldown(ctx, c, "checkout", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ClaimCooldown(ctx, c, "checkout", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim inside the window is refused")
	ok, _ = ClaimCooldown(ctx, c, "payments", time.Minute)
	assert.True(t, ok, "cooldowns are per service")

	ok, _ = ClaimCooldown(ctx, c, "search", 0)
	assert.True(t, ok)
	ok, _ = ClaimCooldown(ctx, c, "search", 0)
	assert.True(t, ok, "zero ttl disables the cooldown")

	for i := 0; i < 3; i++ {
		ok, err = ClaimCooldown(ctx, NoopProvider{}, "checkout", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "noop cache never holds a cooldown")
	}
}

func TestNewSelectsProvider(t *testing.T) {
	p, err := New(context.Background(), config.CacheConfig{})
	require.NoError(t, err)
	_, isMemory := p.(*MemoryProvider)
	assert.True(t, isMemory)

	_, err = New(context.Background(), config.CacheConfig{Enabled: true})
	assert.Error(t, err, "enabled cache needs an address")
}

func TestNewRedisProviderFailsFast(t *testing.T) {
	_, err := NewRedisProvider(context.Background(), RedisConfig{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	})
	assert.Error(t, err)
}
