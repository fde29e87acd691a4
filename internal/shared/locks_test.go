package shared_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/agora-connector/internal/shared"
)

func TestConnectionLockExcludesSecondRun(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := shared.NewLocker(rdb, time.Minute)
	ctx := context.Background()

	ran := false
	err := locker.WithConnectionLock(ctx, 7, func(ctx context.Context) error {
		require.True(t, mr.Exists(shared.ConnectionLockKey(7)))
		return locker.WithConnectionLock(ctx, 7, func(context.Context) error {
			ran = true
			return nil
		})
	})
	require.ErrorIs(t, err, shared.ErrLocked)
	require.False(t, ran)
	require.False(t, mr.Exists(shared.ConnectionLockKey(7)), "lock released after the run")

	require.NoError(t, locker.WithConnectionLock(ctx, 8, func(context.Context) error { return nil }))
}

func TestNilLockerRunsDirectly(t *testing.T) {
	var locker *shared.Locker
	called := false
	require.NoError(t, locker.WithConnectionLock(context.Background(), 1, func(context.Context) error {
		called = true
		return nil
	}))
	require.True(t, called)
}
