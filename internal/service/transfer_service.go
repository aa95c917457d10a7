package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"remote-assist/internal/model"
	"remote-assist/internal/relay"
	"remote-assist/internal/repository"
	"remote-assist/internal/storage"
	"remote-assist/pkg/util"
)

// 文件传输相关错误
var (
	ErrTransferTooLarge  = errors.New("文件超过大小限制")
	ErrTransferNotActive = errors.New("传输不在进行中")
	ErrChunkOutOfRange   = errors.New("分块超出文件范围")
)

// transferSweepBatch 每次清扫取出的过期传输数
const transferSweepBatch = 100

// FileAvailablePayload file-available 的负载
type FileAvailablePayload struct {
	TransferID string                  `json:"transfer_id"`
	Name       string                  `json:"name"`
	Size       int64                   `json:"size"`
	MimeType   string                  `json:"mime_type"`
	Direction  model.TransferDirection `json:"direction"`
}

// TransferService 文件传输暂存
// 服务只管理元数据和暂存文件的生命周期，字节按块读写
type TransferService struct {
	store    repository.TransferStore
	files    *storage.Store
	sessions *SessionService
	ttl      time.Duration
	maxSize  int64
	log      *slog.Logger
}

// NewTransferService 创建 TransferService 实例
func NewTransferService(
	store repository.TransferStore,
	files *storage.Store,
	sessions *SessionService,
	ttl time.Duration,
	maxSize int64,
	log *slog.Logger,
) *TransferService {
	return &TransferService{
		store:    store,
		files:    files,
		sessions: sessions,
		ttl:      ttl,
		maxSize:  maxSize,
		log:      log.With("component", "transfer"),
	}
}

// BeginUploadRequest 开始传输请求
type BeginUploadRequest struct {
	OriginalName string                  `json:"original_name" binding:"required"`
	FileSize     int64                   `json:"file_size"`
	MimeType     string                  `json:"mime_type"`
	Direction    model.TransferDirection `json:"direction" binding:"required"`
}

// BeginUpload 为已连接的会话登记一个传输
// 会话未连接时返回 ErrSessionNotConnected
func (t *TransferService) BeginUpload(ctx context.Context, sessionID string, req *BeginUploadRequest) (*model.FileTransfer, error) {
	sessionID = util.NormalizeSessionCode(sessionID)
	if req.Direction != model.TransferUpload && req.Direction != model.TransferDownload {
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidArgument, req.Direction)
	}
	if req.FileSize < 0 || (t.maxSize > 0 && req.FileSize > t.maxSize) {
		return nil, ErrTransferTooLarge
	}

	name := util.SanitizeFileName(req.OriginalName)
	if name == "" {
		return nil, fmt.Errorf("%w: file name %q", ErrInvalidArgument, req.OriginalName)
	}

	session, err := t.sessions.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := t.sessions.clk.Now()
	if session.Status != model.SessionStatusConnected || session.IsExpiredAt(now) {
		return nil, ErrSessionNotConnected
	}

	transfer := &model.FileTransfer{
		ID:           util.GenerateUUID(),
		SessionID:    sessionID,
		OriginalName: name,
		StoredName:   util.GenerateStoredName(name),
		FileSize:     req.FileSize,
		MimeType:     req.MimeType,
		Direction:    req.Direction,
		Status:       model.TransferPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(t.ttl),
	}
	if err := t.files.Create(transfer.StoredName); err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	if err := t.store.Create(ctx, transfer); err != nil {
		if rerr := t.files.Remove(transfer.StoredName); rerr != nil {
			t.log.Warn("remove staged file failed", "transfer_id", transfer.ID, "error", rerr)
		}
		return nil, fmt.Errorf("create transfer: %w", err)
	}

	t.log.Info("transfer started",
		"transfer_id", transfer.ID,
		"session_id", sessionID,
		"direction", transfer.Direction,
		"size", transfer.FileSize)
	return transfer, nil
}

// Get 获取传输
// 已过期的传输无论是否已被清扫都视为不存在
func (t *TransferService) Get(ctx context.Context, id string) (*model.FileTransfer, error) {
	transfer, err := t.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if transfer == nil || !transfer.ExpiresAt.After(t.sessions.clk.Now()) {
		return nil, ErrNotFound
	}
	return transfer, nil
}

// ListBySession 获取会话中未过期的传输
func (t *TransferService) ListBySession(ctx context.Context, sessionID string) ([]*model.FileTransfer, error) {
	transfers, err := t.store.ListBySession(ctx, util.NormalizeSessionCode(sessionID))
	if err != nil {
		return nil, err
	}
	now := t.sessions.clk.Now()
	out := make([]*model.FileTransfer, 0, len(transfers))
	for _, tr := range transfers {
		if tr.ExpiresAt.After(now) {
			out = append(out, tr)
		}
	}
	return out, nil
}

// WriteChunk 向进行中的传输写入一块数据
func (t *TransferService) WriteChunk(ctx context.Context, id string, offset int64, data []byte) error {
	transfer, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	if transfer.Status != model.TransferPending {
		return ErrTransferNotActive
	}
	if offset < 0 || offset+int64(len(data)) > transfer.FileSize {
		return ErrChunkOutOfRange
	}
	return t.files.WriteChunk(transfer.StoredName, data, offset)
}

// ReadChunk 读取已完成传输的一块数据
// 读到文件末尾时记录下载时间
func (t *TransferService) ReadChunk(ctx context.Context, id string, offset int64, length int) ([]byte, error) {
	transfer, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if transfer.Status != model.TransferComplete {
		return nil, ErrTransferNotActive
	}
	if offset < 0 || offset > transfer.FileSize {
		return nil, ErrChunkOutOfRange
	}
	chunk, err := t.files.ReadChunk(transfer.StoredName, offset, length)
	if err != nil {
		return nil, err
	}
	if offset+int64(len(chunk)) >= transfer.FileSize && transfer.DownloadedAt == nil {
		if err := t.store.MarkDownloaded(ctx, id, t.sessions.clk.Now()); err != nil {
			t.log.Warn("mark downloaded failed", "transfer_id", id, "error", err)
		}
	}
	return chunk, nil
}

// CompleteTransfer 结束传输，pending -> complete|failed
// 成功时通知接收方 file-available
func (t *TransferService) CompleteTransfer(ctx context.Context, id string, outcome model.TransferStatus) (*model.FileTransfer, error) {
	if outcome != model.TransferComplete && outcome != model.TransferFailed {
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidArgument, outcome)
	}
	transfer, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var uploadedAt *time.Time
	if outcome == model.TransferComplete {
		now := t.sessions.clk.Now()
		uploadedAt = &now
	}
	ok, err := t.store.CompareAndSwapStatus(ctx, id, model.TransferPending, outcome, uploadedAt)
	if err != nil {
		return nil, fmt.Errorf("complete transfer: %w", err)
	}
	if !ok {
		return nil, ErrTransferNotActive
	}
	transfer.Status = outcome
	transfer.UploadedAt = uploadedAt

	t.log.Info("transfer finished", "transfer_id", id, "session_id", transfer.SessionID, "status", outcome)
	if outcome == model.TransferComplete {
		t.sessions.notifier.Notify(transfer.SessionID, string(receiverRole(transfer.Direction)), relay.TypeFileAvailable, FileAvailablePayload{
			TransferID: transfer.ID,
			Name:       transfer.OriginalName,
			Size:       transfer.FileSize,
			MimeType:   transfer.MimeType,
			Direction:  transfer.Direction,
		})
	}
	return transfer, nil
}

// receiverRole upload 由技术员发往客户端，download 由客户端发往技术员
func receiverRole(direction model.TransferDirection) relay.Role {
	if direction == model.TransferUpload {
		return relay.RoleClient
	}
	return relay.RoleTechnician
}

// Sweep 清除 expires_at <= now 的传输（暂存文件与元数据）
// 单条失败只记录日志，本轮不重试
func (t *TransferService) Sweep(ctx context.Context, now time.Time) (int, error) {
	purged := 0
	failed := make(map[string]struct{})
	for {
		batch, err := t.store.ListExpired(ctx, now, transferSweepBatch)
		if err != nil {
			return purged, fmt.Errorf("list expired transfers: %w", err)
		}
		progress := 0
		for _, transfer := range batch {
			if _, skip := failed[transfer.ID]; skip {
				continue
			}
			if err := t.purge(ctx, transfer); err != nil {
				failed[transfer.ID] = struct{}{}
				t.log.Error("sweep: purge transfer failed", "transfer_id", transfer.ID, "error", err)
				continue
			}
			progress++
		}
		purged += progress
		if len(batch) < transferSweepBatch || progress == 0 {
			return purged, nil
		}
	}
}

func (t *TransferService) purge(ctx context.Context, transfer *model.FileTransfer) error {
	if err := t.files.Remove(transfer.StoredName); err != nil {
		return fmt.Errorf("remove staged file: %w", err)
	}
	if err := t.store.Delete(ctx, transfer.ID); err != nil {
		return fmt.Errorf("delete transfer: %w", err)
	}
	t.log.Info("transfer expired", "transfer_id", transfer.ID, "session_id", transfer.SessionID)
	return nil
}
