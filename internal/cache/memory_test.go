package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v"), time.Minute))

	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(got))

	now = now.Add(time.Minute)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, store.Len(), "expired entries linger until cleanup")

	store.Cleanup()
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreInvalidatePattern(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, key := range []string{
		MessageListKey(1, 0, "INBOX", 50, 0),
		MessageListKey(1, 2, "[Gmail]/Sent Mail", 50, 0),
		ThreadsKey(1, 0, 20),
		MessageKey(1, 0, "abc"),
		ThreadsKey(10, 0, 20),
		AIKey("summary", "hello"),
	} {
		require.NoError(t, store.Put(ctx, key, []byte("x"), time.Hour))
	}

	require.NoError(t, store.InvalidatePattern(ctx, AccountPattern(1)))

	assert.Equal(t, 2, store.Len())
	_, ok, _ := store.Get(ctx, ThreadsKey(10, 0, 20))
	assert.True(t, ok)
	_, ok, _ = store.Get(ctx, AIKey("summary", "hello"))
	assert.True(t, ok)
}

func TestMemoryStoreCounters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	n, err := store.Counter(ctx, GenerationKey(1))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.Incr(ctx, GenerationKey(1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// counters survive pattern invalidation of the account
	require.NoError(t, store.InvalidatePattern(ctx, AccountPattern(1)))
	n, err = store.Counter(ctx, GenerationKey(1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"acct:1:*", "acct:1:g0:threads:20", true},
		{"acct:1:*", "acct:10:g0:threads:20", false},
		{"acct:1:*", "acct:1:g3:emails:a/b:1:0", true},
		{"acct:1:*", "gen:acct:1", false},
		{"*:1:*", "acct:1:g0:email:x", true},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"a*c*e", "abcde", true},
		{"a*c*e", "abcdf", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchPattern(tc.pattern, tc.key), "%s vs %s", tc.pattern, tc.key)
	}
}
