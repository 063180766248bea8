package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisSource(t *testing.T) Source {
	t.Helper()

	mr := miniredis.RunT(t)
	src, err := NewRedisSource(context.Background(), RedisOptions{
		URL: fmt.Sprintf("redis://%s", mr.Addr()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func newSQLiteSource(t *testing.T) Source {
	t.Helper()

	src, err := OpenSQLiteSource(context.Background(), filepath.Join(t.TempDir(), "queue.db"), 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

var backends = map[string]func(*testing.T) Source{
	BackendRedis:  newRedisSource,
	BackendSQLite: newSQLiteSource,
}

func TestSourceFIFO(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			src := open(t)
			ctx := context.Background()

			for _, msg := range []string{"one", "two", "three"} {
				require.NoError(t, src.Push(ctx, "jobs", []byte(msg)))
			}

			depth, err := src.Depth(ctx, "jobs")
			require.NoError(t, err)
			assert.Equal(t, int64(3), depth)

			for _, want := range []string{"one", "two", "three"} {
				got, err := src.BlockingPop(ctx, "jobs", time.Second)
				require.NoError(t, err)
				assert.Equal(t, want, string(got))
			}
		})
	}
}

func TestSourceTimeoutReturnsNil(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			src := open(t)

			start := time.Now()
			got, err := src.BlockingPop(context.Background(), "empty", time.Second)
			require.NoError(t, err)
			assert.Nil(t, got)
			assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
		})
	}
}

func TestSourceRequeueGoesToHead(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			src := open(t)
			ctx := context.Background()

			require.NoError(t, src.Push(ctx, "jobs", []byte("a")))
			require.NoError(t, src.Push(ctx, "jobs", []byte("b")))

			first, err := src.BlockingPop(ctx, "jobs", time.Second)
			require.NoError(t, err)
			require.Equal(t, "a", string(first))

			require.NoError(t, src.Requeue(ctx, "jobs", first))

			for _, want := range []string{"a", "b"} {
				got, err := src.BlockingPop(ctx, "jobs", time.Second)
				require.NoError(t, err)
				assert.Equal(t, want, string(got))
			}
		})
	}
}

func TestSourceQueuesAreIndependent(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			src := open(t)
			ctx := context.Background()

			require.NoError(t, src.Push(ctx, "left", []byte("l")))
			require.NoError(t, src.Push(ctx, "right", []byte("r")))

			got, err := src.BlockingPop(ctx, "right", time.Second)
			require.NoError(t, err)
			assert.Equal(t, "r", string(got))

			depth, err := src.Depth(ctx, "left")
			require.NoError(t, err)
			assert.Equal(t, int64(1), depth)
		})
	}
}

func TestSQLitePopWakesOnPush(t *testing.T) {
	src := newSQLiteSource(t)
	ctx := context.Background()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = src.Push(ctx, "jobs", []byte("late"))
	}()

	got, err := src.BlockingPop(ctx, "jobs", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", string(got))
}

func TestSQLiteEmptyPayloadRoundTrip(t *testing.T) {
	src := newSQLiteSource(t)
	ctx := context.Background()

	require.NoError(t, src.Push(ctx, "jobs", nil))
	got, err := src.BlockingPop(ctx, "jobs", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got, "an empty message is not a timeout")
	assert.Empty(t, got)
}

func TestSQLitePopHonoursCancellation(t *testing.T) {
	src := newSQLiteSource(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := src.BlockingPop(ctx, "jobs", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "kafka"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestOpenSQLiteBackend(t *testing.T) {
	src, err := Open(context.Background(), Options{
		Backend:    BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "q.db"),
	})
	require.NoError(t, err)
	require.NoError(t, src.Close())
}

func TestNewRedisSourceUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisSource(context.Background(), RedisOptions{
		URL:            "redis://" + addr,
		ConnectTimeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to redis")
}
