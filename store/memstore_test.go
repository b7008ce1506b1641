package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStoreChannelLifecycle(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	s := NewMemStore(func() int64 { return now })

	rec := ChannelRecord{ChannelID: "c1", TunnelID: "abc123def456", PublicURL: "https://abc123def456.example.com", CreatedAt: now, TTL: now + 100}
	require.NoError(t, s.PutChannel(ctx, rec))

	got, err := s.GetChannel(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, rec, got)

	got, err = s.FindChannelByTunnel(ctx, "abc123def456")
	require.NoError(t, err)
	require.Equal(t, rec, got)

	_, err = s.FindChannelByTunnel(ctx, "zzzzzzzzzzzz")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteChannel(ctx, "c1"))
	_, err = s.GetChannel(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.DeleteChannel(ctx, "c1")) // idempotent
}

func TestMemStoreChannelExpiresByTTL(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	s := NewMemStore(func() int64 { return now })

	rec := ChannelRecord{ChannelID: "c1", TunnelID: "abc123def456", CreatedAt: now, TTL: now + 10}
	require.NoError(t, s.PutChannel(ctx, rec))

	now += 11
	_, err := s.GetChannel(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindChannelByTunnel(ctx, "abc123def456")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStorePendingLifecycle(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	s := NewMemStore(func() int64 { return now })

	rec := PendingRecord{RequestID: "req_x", ChannelID: "c1", CreatedAt: now, TTL: now + 30, Status: PendingStatusPending}
	require.NoError(t, s.PutPending(ctx, rec))
	require.ErrorIs(t, s.PutPending(ctx, rec), ErrAlreadyExists)

	got, err := s.GetPending(ctx, "req_x")
	require.NoError(t, err)
	require.Equal(t, PendingStatusPending, got.Status)

	require.NoError(t, s.CompletePending(ctx, "req_x", `{"status_code":200}`))
	got, err = s.GetPending(ctx, "req_x")
	require.NoError(t, err)
	require.Equal(t, PendingStatusCompleted, got.Status)
	require.Equal(t, `{"status_code":200}`, got.ResponseBlob)

	taken, err := s.TakePending(ctx, "req_x")
	require.NoError(t, err)
	require.Equal(t, PendingStatusCompleted, taken.Status)

	_, err = s.GetPending(ctx, "req_x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreCompletePendingUnknownRequestFails(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(nil)
	err := s.CompletePending(ctx, "req_missing", "blob")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreScanExpired(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	s := NewMemStore(func() int64 { return now })

	require.NoError(t, s.PutChannel(ctx, ChannelRecord{ChannelID: "c1", TunnelID: "abc123def456", TTL: now - 1}))
	require.NoError(t, s.PutChannel(ctx, ChannelRecord{ChannelID: "c2", TunnelID: "zzzzzzzzzzzz", TTL: now + 100}))
	require.NoError(t, s.PutPending(ctx, PendingRecord{RequestID: "req_old", TTL: now - 1}))

	expired, err := s.ScanExpired(ctx, TableChannels, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "c1", expired[0].Key)

	expiredPending, err := s.ScanExpired(ctx, TablePending, now)
	require.NoError(t, err)
	require.Len(t, expiredPending, 1)
	require.Equal(t, "req_old", expiredPending[0].Key)
}
