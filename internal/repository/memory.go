// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"remote-assist/internal/model"
)

// 进程内实现，storage.driver=memory 时使用，测试也依赖它们
// 所有返回值都是副本，调用方修改不会影响存储

// MemorySessionStore 进程内会话存储
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	monitors *MemoryMonitorStore
}

// NewMemorySessionStore 创建进程内会话存储
// monitors 不为 nil 时，删除会话会一并删除其显示器
func NewMemorySessionStore(monitors *MemoryMonitorStore) *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*model.Session),
		monitors: monitors,
	}
}

func (s *MemorySessionStore) Create(_ context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.SessionID]; ok {
		return ErrDuplicate
	}
	s.sessions[session.SessionID] = session.Clone()
	return nil
}

func (s *MemorySessionStore) Replace(ctx context.Context, session *model.Session) error {
	s.mu.Lock()
	s.sessions[session.SessionID] = session.Clone()
	s.mu.Unlock()
	if s.monitors != nil {
		return s.monitors.DeleteBySession(ctx, session.SessionID)
	}
	return nil
}

func (s *MemorySessionStore) GetByID(_ context.Context, sessionID string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionID]; ok {
		return session.Clone(), nil
	}
	return nil, nil
}

func (s *MemorySessionStore) CompareAndSwapStatus(_ context.Context, sessionID string, from []model.SessionStatus, to model.SessionStatus, change StatusChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || !containsStatus(from, session.Status) {
		return false, nil
	}
	session.Status = to
	if change.TechnicianID != nil {
		id := *change.TechnicianID
		session.TechnicianID = &id
	}
	if change.ConnectedAt != nil {
		at := *change.ConnectedAt
		session.ConnectedAt = &at
	} else if change.ClearConnectedAt {
		session.ConnectedAt = nil
	}
	if change.ExpiresAt != nil {
		session.ExpiresAt = *change.ExpiresAt
	}
	return true, nil
}

func (s *MemorySessionStore) ExtendExpiry(_ context.Context, sessionID string, now, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.Status.IsTerminal() || session.IsExpiredAt(now) {
		return false, nil
	}
	session.ExpiresAt = expiresAt
	return true, nil
}

func (s *MemorySessionStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*model.Session, error) {
	s.mu.Lock()
	var out []*model.Session
	for _, session := range s.sessions {
		if session.IsExpiredAt(now) {
			out = append(out, session.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemorySessionStore) ListByTechnician(_ context.Context, technicianID int64) ([]*model.Session, error) {
	s.mu.Lock()
	var out []*model.Session
	for _, session := range s.sessions {
		if session.TechnicianID != nil && *session.TechnicianID == technicianID {
			out = append(out, session.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if s.monitors != nil {
		return s.monitors.DeleteBySession(ctx, sessionID)
	}
	return nil
}

func containsStatus(list []model.SessionStatus, status model.SessionStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

// MemoryDeviceStore 进程内设备存储
type MemoryDeviceStore struct {
	mu      sync.Mutex
	devices map[string]*model.Device
}

// NewMemoryDeviceStore 创建进程内设备存储
func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{devices: make(map[string]*model.Device)}
}

func (s *MemoryDeviceStore) Create(_ context.Context, device *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[device.DeviceID]; ok {
		return ErrDuplicate
	}
	for _, d := range s.devices {
		if d.DeviceToken == device.DeviceToken {
			return ErrDuplicate
		}
	}
	s.devices[device.DeviceID] = device.Clone()
	return nil
}

func (s *MemoryDeviceStore) GetByID(_ context.Context, deviceID string) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok {
		return d.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryDeviceStore) GetByToken(_ context.Context, token string) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.DeviceToken == token {
			return d.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryDeviceStore) ListByTechnician(_ context.Context, technicianID int64) ([]*model.Device, error) {
	s.mu.Lock()
	var out []*model.Device
	for _, d := range s.devices {
		if d.TechnicianID != nil && *d.TechnicianID == technicianID {
			out = append(out, d.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

func (s *MemoryDeviceStore) UpdateProfile(_ context.Context, device *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[device.DeviceID]
	if !ok {
		return nil
	}
	d.DisplayName = device.DisplayName
	d.OS = device.OS
	d.Hostname = device.Hostname
	d.Arch = device.Arch
	d.LastIP = device.LastIP
	d.MACAddress = device.MACAddress
	d.LastSeen = device.LastSeen
	return nil
}

func (s *MemoryDeviceStore) SetOwner(_ context.Context, deviceID string, technicianID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok {
		if technicianID == nil {
			d.TechnicianID = nil
		} else {
			id := *technicianID
			d.TechnicianID = &id
		}
	}
	return nil
}

func (s *MemoryDeviceStore) SetUnattended(_ context.Context, deviceID string, allow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok {
		d.AllowUnattended = allow
	}
	return nil
}

func (s *MemoryDeviceStore) TouchLastSeen(_ context.Context, deviceID string, at time.Time, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok {
		d.LastSeen = at
		if ip != "" {
			d.LastIP = ip
		}
	}
	return nil
}

func (s *MemoryDeviceStore) AcquireClaim(_ context.Context, deviceID, sessionID string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return false, nil
	}
	if d.PendingSessionID != nil && d.PendingRequestedAt != nil && d.PendingRequestedAt.After(staleBefore) {
		return false, nil
	}
	sid, at := sessionID, now
	d.PendingSessionID = &sid
	d.PendingRequestedAt = &at
	return true, nil
}

func (s *MemoryDeviceStore) ReleaseClaim(_ context.Context, deviceID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok || d.PendingSessionID == nil || *d.PendingSessionID != sessionID {
		return false, nil
	}
	d.PendingSessionID = nil
	d.PendingRequestedAt = nil
	return true, nil
}

func (s *MemoryDeviceStore) Delete(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
	return nil
}

// MemoryTechnicianStore 进程内技术员存储
type MemoryTechnicianStore struct {
	mu          sync.Mutex
	nextID      int64
	technicians map[int64]*model.Technician
}

// NewMemoryTechnicianStore 创建进程内技术员存储
func NewMemoryTechnicianStore() *MemoryTechnicianStore {
	return &MemoryTechnicianStore{technicians: make(map[int64]*model.Technician)}
}

func (s *MemoryTechnicianStore) Create(_ context.Context, technician *model.Technician) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.technicians {
		if t.Username == technician.Username {
			return ErrDuplicate
		}
		if t.Email != nil && technician.Email != nil && *t.Email == *technician.Email {
			return ErrDuplicate
		}
	}
	s.nextID++
	technician.ID = s.nextID
	if technician.CreatedAt.IsZero() {
		technician.CreatedAt = time.Now()
	}
	technician.UpdatedAt = technician.CreatedAt
	c := *technician
	s.technicians[c.ID] = &c
	return nil
}

func (s *MemoryTechnicianStore) GetByID(_ context.Context, id int64) (*model.Technician, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.technicians[id]; ok {
		c := *t
		return &c, nil
	}
	return nil, nil
}

func (s *MemoryTechnicianStore) GetByUsername(_ context.Context, username string) (*model.Technician, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.technicians {
		if t.Username == username {
			c := *t
			return &c, nil
		}
	}
	return nil, nil
}

func (s *MemoryTechnicianStore) ExistsByEmail(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.technicians {
		if t.Email != nil && *t.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryTechnicianStore) UpdateLastLogin(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.technicians[id]; ok {
		t.LastLogin = &at
	}
	return nil
}

func (s *MemoryTechnicianStore) UpdatePassword(_ context.Context, id int64, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.technicians[id]; ok {
		t.PasswordHash = passwordHash
		t.UpdatedAt = time.Now()
	}
	return nil
}

// MemoryTransferStore 进程内文件传输存储
type MemoryTransferStore struct {
	mu        sync.Mutex
	transfers map[string]*model.FileTransfer
}

// NewMemoryTransferStore 创建进程内文件传输存储
func NewMemoryTransferStore() *MemoryTransferStore {
	return &MemoryTransferStore{transfers: make(map[string]*model.FileTransfer)}
}

func (s *MemoryTransferStore) Create(_ context.Context, transfer *model.FileTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transfers[transfer.ID]; ok {
		return ErrDuplicate
	}
	for _, t := range s.transfers {
		if t.StoredName == transfer.StoredName {
			return ErrDuplicate
		}
	}
	s.transfers[transfer.ID] = transfer.Clone()
	return nil
}

func (s *MemoryTransferStore) GetByID(_ context.Context, id string) (*model.FileTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transfers[id]; ok {
		return t.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryTransferStore) ListBySession(_ context.Context, sessionID string) ([]*model.FileTransfer, error) {
	s.mu.Lock()
	var out []*model.FileTransfer
	for _, t := range s.transfers {
		if t.SessionID == sessionID {
			out = append(out, t.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryTransferStore) CompareAndSwapStatus(_ context.Context, id string, from, to model.TransferStatus, uploadedAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	if uploadedAt != nil {
		at := *uploadedAt
		t.UploadedAt = &at
	}
	return true, nil
}

func (s *MemoryTransferStore) MarkDownloaded(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transfers[id]; ok {
		t.DownloadedAt = &at
	}
	return nil
}

func (s *MemoryTransferStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*model.FileTransfer, error) {
	s.mu.Lock()
	var out []*model.FileTransfer
	for _, t := range s.transfers {
		if !t.ExpiresAt.After(now) {
			out = append(out, t.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryTransferStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transfers, id)
	return nil
}

// MemoryMonitorStore 进程内显示器存储
type MemoryMonitorStore struct {
	mu       sync.Mutex
	monitors map[string][]model.MonitorDescriptor
}

// NewMemoryMonitorStore 创建进程内显示器存储
func NewMemoryMonitorStore() *MemoryMonitorStore {
	return &MemoryMonitorStore{monitors: make(map[string][]model.MonitorDescriptor)}
}

func (s *MemoryMonitorStore) ReplaceForSession(_ context.Context, sessionID string, monitors []model.MonitorDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(monitors) == 0 {
		delete(s.monitors, sessionID)
		return nil
	}
	cp := make([]model.MonitorDescriptor, len(monitors))
	copy(cp, monitors)
	sort.Slice(cp, func(i, j int) bool { return cp[i].MonitorIndex < cp[j].MonitorIndex })
	s.monitors[sessionID] = cp
	return nil
}

func (s *MemoryMonitorStore) ListBySession(_ context.Context, sessionID string) ([]model.MonitorDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.monitors[sessionID]
	out := make([]model.MonitorDescriptor, len(list))
	copy(out, list)
	return out, nil
}

func (s *MemoryMonitorStore) SetActive(_ context.Context, sessionID string, index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.monitors[sessionID]
	found := false
	for i := range list {
		if list[i].MonitorIndex == index {
			found = true
		}
	}
	if !found {
		return false, nil
	}
	for i := range list {
		list[i].IsActive = list[i].MonitorIndex == index
	}
	return true, nil
}

func (s *MemoryMonitorStore) DeleteBySession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.monitors, sessionID)
	return nil
}

// MemoryAuditStore 进程内审计存储
type MemoryAuditStore struct {
	mu     sync.Mutex
	nextID int64
	audits []*model.ApprovalAudit
}

// NewMemoryAuditStore 创建进程内审计存储
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Create(_ context.Context, audit *model.ApprovalAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	audit.ID = s.nextID
	c := *audit
	s.audits = append(s.audits, &c)
	return nil
}

func (s *MemoryAuditStore) ListBySession(_ context.Context, sessionID string) ([]*model.ApprovalAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ApprovalAudit
	for _, a := range s.audits {
		if a.SessionID == sessionID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

var (
	_ SessionStore    = (*MemorySessionStore)(nil)
	_ DeviceStore     = (*MemoryDeviceStore)(nil)
	_ TechnicianStore = (*MemoryTechnicianStore)(nil)
	_ TransferStore   = (*MemoryTransferStore)(nil)
	_ MonitorStore    = (*MemoryMonitorStore)(nil)
	_ AuditStore      = (*MemoryAuditStore)(nil)

	_ SessionStore    = (*SessionRepository)(nil)
	_ DeviceStore     = (*DeviceRepository)(nil)
	_ TechnicianStore = (*TechnicianRepository)(nil)
	_ TransferStore   = (*TransferRepository)(nil)
	_ MonitorStore    = (*MonitorRepository)(nil)
	_ AuditStore      = (*AuditRepository)(nil)
)
