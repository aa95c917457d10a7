package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"remote-assist/internal/model"
)

func TestMemorySessionStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore(nil)
	now := time.Now()
	require.NoError(t, store.Create(ctx, &model.Session{
		SessionID: "ABC-123-XYZ",
		Status:    model.SessionStatusPendingApproval,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}))
	assert.ErrorIs(t, store.Create(ctx, &model.Session{SessionID: "ABC-123-XYZ"}), ErrDuplicate)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CompareAndSwapStatus(ctx, "ABC-123-XYZ",
				[]model.SessionStatus{model.SessionStatusPendingApproval},
				model.SessionStatusConnected, StatusChange{ConnectedAt: &now})
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	got, err := store.GetByID(ctx, "ABC-123-XYZ")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusConnected, got.Status)
	require.NotNil(t, got.ConnectedAt)
}

func TestMemorySessionStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore(nil)
	require.NoError(t, store.Create(ctx, &model.Session{SessionID: "S1", Status: model.SessionStatusWaiting}))

	got, _ := store.GetByID(ctx, "S1")
	got.Status = model.SessionStatusTerminated

	again, _ := store.GetByID(ctx, "S1")
	assert.Equal(t, model.SessionStatusWaiting, again.Status)
}

func TestMemorySessionStore_ExtendExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore(nil)
	now := time.Now()
	require.NoError(t, store.Create(ctx, &model.Session{SessionID: "S1", Status: model.SessionStatusWaiting, ExpiresAt: now.Add(time.Second)}))

	ok, err := store.ExtendExpiry(ctx, "S1", now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	// 已过期的会话不能被续期
	ok, err = store.ExtendExpiry(ctx, "S1", now.Add(2*time.Hour), now.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemorySessionStore_DeleteRemovesMonitors(t *testing.T) {
	ctx := context.Background()
	monitors := NewMemoryMonitorStore()
	store := NewMemorySessionStore(monitors)
	require.NoError(t, store.Create(ctx, &model.Session{SessionID: "S1"}))
	require.NoError(t, monitors.ReplaceForSession(ctx, "S1", []model.MonitorDescriptor{{SessionID: "S1", MonitorIndex: 0}}))

	require.NoError(t, store.Delete(ctx, "S1"))
	list, err := monitors.ListBySession(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryDeviceStore_Claim(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDeviceStore()
	require.NoError(t, store.Create(ctx, &model.Device{DeviceID: "D1", DeviceToken: "t1"}))

	now := time.Now()
	timeout := 2 * time.Minute

	ok, err := store.AcquireClaim(ctx, "D1", "S1", now, now.Add(-timeout))
	require.NoError(t, err)
	assert.True(t, ok)

	// 槽被占用且未超时
	ok, err = store.AcquireClaim(ctx, "D1", "S2", now.Add(time.Minute), now.Add(time.Minute-timeout))
	require.NoError(t, err)
	assert.False(t, ok)

	// 超时后可以被新的请求覆盖
	later := now.Add(3 * time.Minute)
	ok, err = store.AcquireClaim(ctx, "D1", "S3", later, later.Add(-timeout))
	require.NoError(t, err)
	assert.True(t, ok)

	// 只有持有者能释放
	ok, err = store.ReleaseClaim(ctx, "D1", "S1")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.ReleaseClaim(ctx, "D1", "S3")
	require.NoError(t, err)
	assert.True(t, ok)

	d, err := store.GetByID(ctx, "D1")
	require.NoError(t, err)
	assert.Nil(t, d.PendingSessionID)
	assert.Nil(t, d.PendingRequestedAt)
}

func TestMemoryDeviceStore_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDeviceStore()
	require.NoError(t, store.Create(ctx, &model.Device{DeviceID: "D1", DeviceToken: "t1"}))
	now := time.Now()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, _ := store.AcquireClaim(ctx, "D1", string(rune('A'+i)), now, now.Add(-time.Minute))
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestMemoryMonitorStore_SetActive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMonitorStore()
	require.NoError(t, store.ReplaceForSession(ctx, "S1", []model.MonitorDescriptor{
		{SessionID: "S1", MonitorIndex: 1, IsActive: false},
		{SessionID: "S1", MonitorIndex: 0, IsPrimary: true, IsActive: true},
	}))

	ok, err := store.SetActive(ctx, "S1", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetActive(ctx, "S1", 5)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := store.ListBySession(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 0, list[0].MonitorIndex)
	assert.False(t, list[0].IsActive)
	assert.True(t, list[0].IsPrimary)
	assert.True(t, list[1].IsActive)
}

func TestMemoryTransferStore_ListExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTransferStore()
	now := time.Now()
	require.NoError(t, store.Create(ctx, &model.FileTransfer{ID: "a", StoredName: "a.bin", ExpiresAt: now.Add(time.Second)}))
	require.NoError(t, store.Create(ctx, &model.FileTransfer{ID: "b", StoredName: "b.bin", ExpiresAt: now.Add(time.Hour)}))
	assert.ErrorIs(t, store.Create(ctx, &model.FileTransfer{ID: "c", StoredName: "a.bin"}), ErrDuplicate)

	expired, err := store.ListExpired(ctx, now.Add(2*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "a", expired[0].ID)
}
