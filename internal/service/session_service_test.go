package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-assist/internal/model"
	"remote-assist/pkg/util"
)

func TestRegister_GeneratesCode(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	session, err := f.sessions.Register(ctx, &RegisterSessionRequest{
		ClientInfo: map[string]interface{}{"os": "windows"},
	})
	require.NoError(t, err)
	assert.True(t, util.ValidSessionCode(session.SessionID))
	assert.Equal(t, model.SessionStatusWaiting, session.Status)
	assert.Equal(t, epoch.Add(sessionTTL), session.ExpiresAt)
	assert.Nil(t, session.TechnicianID)
}

func TestRegister_NormalizesAndValidatesCode(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	session, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: " abc-123-xyz "})
	require.NoError(t, err)
	assert.Equal(t, "ABC-123-XYZ", session.SessionID)

	_, err = f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC123XYZ"})
	assert.ErrorIs(t, err, ErrInvalidSessionCode)
}

func TestRegister_ConflictWhileLive(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	require.NoError(t, err)

	_, err = f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegister_ReplacesExpiredRecord(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ", TransportHint: "old"})
	require.NoError(t, err)

	f.clk.Advance(sessionTTL)

	fresh, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ", TransportHint: "new"})
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusWaiting, fresh.Status)
	assert.Equal(t, f.clk.Now().Add(sessionTTL), fresh.ExpiresAt)

	got, err := f.sessions.Get(ctx, "ABC-123-XYZ")
	require.NoError(t, err)
	assert.Equal(t, "new", got.TransportHint)
	assert.Contains(t, f.notifier.closedSessions(), "ABC-123-XYZ")
}

func TestRegister_ReplacesTerminatedRecord(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	require.NoError(t, err)
	require.NoError(t, f.sessions.Terminate(ctx, "ABC-123-XYZ", nil))

	fresh, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusWaiting, fresh.Status)
}

func TestRegister_ReplacementRotatesNonce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	old, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	require.NoError(t, err)
	require.NotEmpty(t, old.Nonce)

	current, err := f.sessions.IsCurrentClient(ctx, "abc-123-xyz", old.Nonce)
	require.NoError(t, err)
	assert.True(t, current)

	require.NoError(t, f.sessions.Terminate(ctx, "ABC-123-XYZ", nil))
	fresh, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	require.NoError(t, err)
	assert.NotEqual(t, old.Nonce, fresh.Nonce)

	current, err = f.sessions.IsCurrentClient(ctx, "ABC-123-XYZ", old.Nonce)
	require.NoError(t, err)
	assert.False(t, current)
	current, err = f.sessions.IsCurrentClient(ctx, "ABC-123-XYZ", fresh.Nonce)
	require.NoError(t, err)
	assert.True(t, current)

	// 不存在的会话交给后续处理返回 404
	current, err = f.sessions.IsCurrentClient(ctx, "ZZZ-999-ZZZ", "whatever")
	require.NoError(t, err)
	assert.True(t, current)
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.sessions.Get(context.Background(), "ZZZ-ZZZ-ZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_PresentsUnsweptAsExpired(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	require.NoError(t, err)
	f.clk.Advance(sessionTTL + time.Second)

	got, err := f.sessions.Get(ctx, "ABC-123-XYZ")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusExpired, got.Status)
}

func TestTouch_ExtendsLiveSession(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	require.NoError(t, err)

	f.clk.Advance(5 * time.Minute)
	require.NoError(t, f.sessions.Touch(ctx, "ABC-123-XYZ"))

	got, err := f.sessions.Get(ctx, "ABC-123-XYZ")
	require.NoError(t, err)
	assert.Equal(t, f.clk.Now().Add(sessionTTL), got.ExpiresAt)
}

func TestTouch_ExpiredIsNoop(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	require.NoError(t, err)
	f.clk.Advance(sessionTTL)

	require.NoError(t, f.sessions.Touch(ctx, "ABC-123-XYZ"))

	got, err := f.sessions.Get(ctx, "ABC-123-XYZ")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusExpired, got.Status)
	assert.Equal(t, epoch.Add(sessionTTL), got.ExpiresAt)
}

func TestTransition_EdgeTable(t *testing.T) {
	cases := []struct {
		from, to model.SessionStatus
		ok       bool
	}{
		{model.SessionStatusWaiting, model.SessionStatusPendingApproval, true},
		{model.SessionStatusWaiting, model.SessionStatusConnected, true},
		{model.SessionStatusPendingApproval, model.SessionStatusWaiting, true},
		{model.SessionStatusConnected, model.SessionStatusWaiting, true},
		{model.SessionStatusConnected, model.SessionStatusPendingApproval, false},
		{model.SessionStatusExpired, model.SessionStatusWaiting, false},
		{model.SessionStatusTerminated, model.SessionStatusWaiting, false},
		{model.SessionStatusTerminated, model.SessionStatusTerminated, false},
		{model.SessionStatusWaiting, model.SessionStatusDenied, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	require.NoError(t, err)
	require.NoError(t, f.sessions.Terminate(ctx, "ABC-123-XYZ", nil))

	for _, to := range []model.SessionStatus{
		model.SessionStatusWaiting,
		model.SessionStatusPendingApproval,
		model.SessionStatusConnected,
		model.SessionStatusExpired,
		model.SessionStatusTerminated,
	} {
		_, err := f.sessions.Transition(ctx, "ABC-123-XYZ", to, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition, "terminated -> %s", to)
	}

	got, err := f.sessions.Get(ctx, "ABC-123-XYZ")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusTerminated, got.Status)
}

func TestTerminate_OwnerOnly(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	require.NoError(t, err)
	_, err = f.approvals.Evaluate(ctx, "ABC-123-XYZ", 7)
	require.NoError(t, err)

	other := int64(8)
	assert.ErrorIs(t, f.sessions.Terminate(ctx, "ABC-123-XYZ", &other), ErrNoPermission)

	owner := int64(7)
	require.NoError(t, f.sessions.Terminate(ctx, "ABC-123-XYZ", &owner))
	assert.Contains(t, f.notifier.closedSessions(), "ABC-123-XYZ")
}

func TestTransition_RejectsExpiredSession(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	require.NoError(t, err)
	f.clk.Advance(sessionTTL)

	_, err = f.sessions.Transition(ctx, "ABC-123-XYZ", model.SessionStatusPendingApproval, nil)
	assert.ErrorIs(t, err, ErrExpired)

	// 过期本身总是允许的
	session, err := f.sessions.Transition(ctx, "ABC-123-XYZ", model.SessionStatusExpired, nil)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusExpired, session.Status)
}

func TestSweep_EvictsExpired(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "AAA-AAA-AAA"})
	require.NoError(t, err)
	f.clk.Advance(5 * time.Minute)
	_, err = f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "BBB-BBB-BBB"})
	require.NoError(t, err)

	f.clk.Advance(5 * time.Minute)
	n, err := f.sessions.Sweep(ctx, f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.sessions.Get(ctx, "AAA-AAA-AAA")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.sessions.Get(ctx, "BBB-BBB-BBB")
	assert.NoError(t, err)
	assert.Equal(t, []string{"AAA-AAA-AAA"}, f.notifier.closedSessions())
}

func TestSweep_RemovesMonitors(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	require.NoError(t, err)
	_, err = f.monitors.RegisterMonitors(ctx, "ABC-123-XYZ", []model.MonitorDescriptor{
		{MonitorIndex: 0, Width: 1920, Height: 1080, IsPrimary: true},
	})
	require.NoError(t, err)

	f.clk.Advance(sessionTTL)
	_, err = f.sessions.Sweep(ctx, f.clk.Now())
	require.NoError(t, err)

	left, err := f.monitorRepo.ListBySession(ctx, "ABC-123-XYZ")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSweep_TouchedSessionSurvives(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	require.NoError(t, err)

	f.clk.Advance(9 * time.Minute)
	require.NoError(t, f.sessions.Touch(ctx, "ABC-123-XYZ"))
	f.clk.Advance(2 * time.Minute)

	n, err := f.sessions.Sweep(ctx, f.clk.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.sessions.Get(ctx, "ABC-123-XYZ")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusWaiting, got.Status)
}

func TestSweep_SkipsRecordRenewedAfterListing(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "ABC-123-XYZ"})
	require.NoError(t, err)

	// 以一个较早的 now 清扫：列出时还没过期，不会被驱逐
	n, err := f.sessions.Sweep(ctx, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.False(t, f.sessions.evict(ctx, "ABC-123-XYZ", epoch.Add(time.Minute)))
	_, err = f.sessions.Get(ctx, "ABC-123-XYZ")
	assert.NoError(t, err)
}

func TestListByTechnician(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "AAA-AAA-AAA"})
	require.NoError(t, err)
	_, err = f.sessions.Register(ctx, &RegisterSessionRequest{SessionID: "BBB-BBB-BBB"})
	require.NoError(t, err)
	_, err = f.approvals.Evaluate(ctx, "AAA-AAA-AAA", 7)
	require.NoError(t, err)

	list, err := f.sessions.ListByTechnician(ctx, 7)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "AAA-AAA-AAA", list[0].SessionID)
}
