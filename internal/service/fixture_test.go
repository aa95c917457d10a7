package service

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"remote-assist/internal/cache"
	"remote-assist/internal/clock"
	"remote-assist/internal/config"
	"remote-assist/internal/logger"
	"remote-assist/internal/repository"
	"remote-assist/internal/storage"
	"remote-assist/pkg/jwt"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type notifyEvent struct {
	SessionID string
	Role      string
	Type      string
	Data      interface{}
}

// recordingNotifier 记录所有推送，代替信令中继
type recordingNotifier struct {
	mu     sync.Mutex
	events  []notifyEvent
	closed  []string
	removed []string // sessionID/role
}

func (n *recordingNotifier) Notify(sessionID, role, msgType string, data interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notifyEvent{SessionID: sessionID, Role: role, Type: msgType, Data: data})
}

func (n *recordingNotifier) CloseSession(sessionID, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, sessionID)
}

func (n *recordingNotifier) RemoveRole(sessionID, role, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = append(n.removed, sessionID+"/"+role)
}

func (n *recordingNotifier) removedRoles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.removed...)
}

func (n *recordingNotifier) ofType(msgType string) []notifyEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notifyEvent
	for _, e := range n.events {
		if e.Type == msgType {
			out = append(out, e)
		}
	}
	return out
}

func (n *recordingNotifier) closedSessions() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.closed...)
}

type fakeWaker struct {
	mu   sync.Mutex
	macs []string
}

func (w *fakeWaker) Wake(mac string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.macs = append(w.macs, mac)
	return nil
}

func (w *fakeWaker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.macs)
}

type fixture struct {
	clk         *clock.Fake
	notifier    *recordingNotifier
	waker       *fakeWaker
	cache       *cache.MemoryCache
	jwt         *jwt.JWTService
	sessionRepo *repository.MemorySessionStore
	deviceRepo  *repository.MemoryDeviceStore
	monitorRepo *repository.MemoryMonitorStore
	auditRepo   *repository.MemoryAuditStore
	files       *storage.Store

	sessions  *SessionService
	approvals *ApprovalService
	devices   *DeviceService
	monitors  *MonitorService
	transfers *TransferService
	auth      *AuthService
	bridge    *RelayBridge
}

const (
	sessionTTL     = 10 * time.Minute
	pendingTimeout = 2 * time.Minute
	wakeThrottle   = time.Minute
	transferTTL    = time.Hour
)

func newFixture(t *testing.T, multiTechnician bool) *fixture {
	t.Helper()
	log := logger.NewWithWriter(config.LogConfig{Level: "error", Format: "text"}, io.Discard)

	f := &fixture{
		clk:         clock.NewFake(epoch),
		notifier:    &recordingNotifier{},
		waker:       &fakeWaker{},
		jwt:         jwt.NewJWTService("test-secret-test-secret-test-secret", time.Hour, 24*time.Hour),
		monitorRepo: repository.NewMemoryMonitorStore(),
		deviceRepo:  repository.NewMemoryDeviceStore(),
		auditRepo:   repository.NewMemoryAuditStore(),
	}
	f.cache = cache.NewMemoryCache(f.clk)
	f.sessionRepo = repository.NewMemorySessionStore(f.monitorRepo)
	technicians := repository.NewMemoryTechnicianStore()

	files, err := storage.New(afero.NewMemMapFs(), "/staging")
	require.NoError(t, err)
	f.files = files

	f.sessions = NewSessionService(f.sessionRepo, f.auditRepo, f.monitorRepo, f.clk, sessionTTL, log)
	f.sessions.SetNotifier(f.notifier)
	f.approvals = NewApprovalService(f.sessions, f.deviceRepo, technicians, multiTechnician, log)
	f.devices = NewDeviceService(f.deviceRepo, f.sessions, f.approvals, f.cache, f.jwt, f.waker,
		config.DeviceConfig{PendingTimeout: pendingTimeout, WakeThrottle: wakeThrottle}, log)
	f.monitors = NewMonitorService(f.sessions, f.monitorRepo, log)
	f.transfers = NewTransferService(repository.NewMemoryTransferStore(), files, f.sessions, transferTTL, 1<<20, log)
	f.auth = NewAuthService(technicians, f.cache, f.jwt, f.clk, log)
	f.bridge = NewRelayBridge(f.sessions, log)
	return f
}
