package cache

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestMemoryProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	provider, err := NewMemory(16, time.Minute)
	require.NoError(t, err)

	entry := Entry{Content: []byte(`{"ok":true}`), StatusCode: 200, ContentType: "application/json"}
	require.NoError(t, provider.Set(ctx, "proxy:600:Accounts:a", entry, time.Minute))
	require.NoError(t, provider.Set(ctx, "proxy:600:Accounts:b", entry, time.Minute))
	require.NoError(t, provider.Set(ctx, "proxy:700:Accounts:a", entry, time.Minute))

	got, ok, err := provider.Get(ctx, "proxy:600:Accounts:a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry.Content, got.Content)
	require.Equal(t, 200, got.StatusCode)

	// Mutating the returned copy must not touch the cached entry.
	got.Content[0] = 'X'
	again, ok, err := provider.Get(ctx, "proxy:600:Accounts:a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry.Content, again.Content)

	require.NoError(t, provider.DeletePrefix(ctx, "proxy:600:"))
	_, ok, err = provider.Get(ctx, "proxy:600:Accounts:b")
	require.NoError(t, err)
	require.False(t, ok)

	size, err := provider.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), size)
}

func TestMemoryProviderExpiry(t *testing.T) {
	ctx := context.Background()
	provider, err := NewMemory(16, time.Minute)
	require.NoError(t, err)

	require.NoError(t, provider.Set(ctx, "k", Entry{Content: []byte("v")}, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, ok, err := provider.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestValkeyProviderRoundTrip(t *testing.T) {
	server := miniredis.RunT(t)
	provider, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	require.NoError(t, err)
	ctx := context.Background()
	defer provider.Close(ctx)

	entry := Entry{Content: []byte("payload"), StatusCode: 200, Headers: map[string]string{"Content-Type": "text/plain"}}
	require.NoError(t, provider.Set(ctx, "proxy:600:Docs:x", entry, time.Minute))
	require.NoError(t, provider.Set(ctx, "proxy:600:Docs:y", entry, time.Minute))

	got, ok, err := provider.Get(ctx, "proxy:600:Docs:x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry.Content, got.Content)
	require.Equal(t, "text/plain", got.Headers["Content-Type"])

	_, ok, err = provider.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, provider.DeletePrefix(ctx, "proxy:600:Docs:"))
	_, ok, err = provider.Get(ctx, "proxy:600:Docs:y")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestValkeyProviderEntryExpires(t *testing.T) {
	server := miniredis.RunT(t)
	provider, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	require.NoError(t, err)
	ctx := context.Background()
	defer provider.Close(ctx)

	require.NoError(t, provider.Set(ctx, "k", Entry{Content: []byte("v")}, time.Second))
	server.FastForward(2 * time.Second)

	_, ok, err := provider.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestValkeyLockAcquireOrSkip(t *testing.T) {
	server := miniredis.RunT(t)
	provider, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	require.NoError(t, err)
	ctx := context.Background()
	defer provider.Close(ctx)

	lock, err := provider.AcquireLock(ctx, "lock:index", time.Minute, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, lock)

	// Second holder must skip instead of waiting.
	second, err := provider.AcquireLock(ctx, "lock:index", time.Minute, 0, 0)
	require.NoError(t, err)
	require.Nil(t, second)

	require.NoError(t, lock.Release(ctx))
	third, err := provider.AcquireLock(ctx, "lock:index", time.Minute, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, third)
}

// brokenProvider fails every operation, standing in for a partitioned
// distributed backend.
type brokenProvider struct{}

var errBackendDown = errors.New("backend down")

func (brokenProvider) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errBackendDown
}
func (brokenProvider) Set(context.Context, string, Entry, time.Duration) error {
	return errBackendDown
}
func (brokenProvider) Remove(context.Context, string) error       { return errBackendDown }
func (brokenProvider) DeletePrefix(context.Context, string) error { return errBackendDown }
func (brokenProvider) AcquireLock(context.Context, string, time.Duration, time.Duration, time.Duration) (Lock, error) {
	return nil, errBackendDown
}
func (brokenProvider) Size(context.Context) (int64, error) { return 0, errBackendDown }
func (brokenProvider) Close(context.Context) error         { return nil }

func TestFallbackDegradesToMemory(t *testing.T) {
	ctx := context.Background()
	memory, err := NewMemory(16, time.Minute)
	require.NoError(t, err)

	rebuild := func() (Provider, error) { return nil, errBackendDown }
	provider := NewWithFallback(slog.Default(), brokenProvider{}, memory, rebuild)
	defer provider.Close(ctx)

	// First miss degrades; the write lands in memory.
	require.NoError(t, provider.Set(ctx, "k", Entry{Content: []byte("v")}, time.Minute))
	got, ok, err := provider.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got.Content)
}

func TestFallbackStartsDegradedWithoutPrimary(t *testing.T) {
	ctx := context.Background()
	memory, err := NewMemory(16, time.Minute)
	require.NoError(t, err)

	rebuild := func() (Provider, error) { return nil, errBackendDown }
	provider := NewWithFallback(slog.Default(), nil, memory, rebuild)
	defer provider.Close(ctx)

	require.NoError(t, provider.Set(ctx, "k", Entry{Content: []byte("v")}, time.Minute))
	_, ok, err := provider.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
}
