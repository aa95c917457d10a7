// Package runner 驱动代理端的会话和设备循环
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"remote-assist/internal/agent/api"
	"remote-assist/internal/agent/peer"
	"remote-assist/internal/agent/wsclient"
	"remote-assist/internal/relay"
	"remote-assist/internal/storage"
)

// sessionHeartbeatInterval 会话续期间隔，需小于服务端会话 TTL
const sessionHeartbeatInterval = 60 * time.Second

// ErrSessionGone 会话已过期或被终止
var ErrSessionGone = errors.New("会话已结束")

// Prompter 向本地用户确认
type Prompter interface {
	Confirm(prompt string) bool
}

// SessionOptions 会话参数
type SessionOptions struct {
	API         *api.Client
	SessionID   string
	ClientToken string
	Fs          afero.Fs
	ReceiveDir  string
	ChunkSize   int
	ICEServers  []string
	Prompter    Prompter
	Monitors    []api.Monitor // 为空时不上报
	Share       []string      // 批准后发给技术员的本地文件
}

// Session 以客户端身份加入一个会话
type Session struct {
	opts  SessionOptions
	ws    *wsclient.Client
	peer  *peer.Peer
	files *peer.FileServer
	log   *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	shareOnce sync.Once
	promptMu  sync.Mutex
	closed    chan string
	closeOnce sync.Once
}

// NewSession 创建会话
func NewSession(opts SessionOptions, log *slog.Logger) (*Session, error) {
	s := &Session{
		opts:   opts,
		log:    log.With("session_id", opts.SessionID),
		closed: make(chan string, 1),
	}
	files, err := peer.NewFileServer(opts.Fs, opts.ReceiveDir, opts.ChunkSize, reporter{s}, s.log)
	if err != nil {
		return nil, err
	}
	s.files = files
	s.ws = wsclient.New(opts.API.WebSocketURL(opts.ClientToken), s.handle, s.log)
	s.peer = peer.New(s.ws, files, opts.ICEServers, s.log)
	return s, nil
}

// reporter 用客户端 token 报告传输结果
type reporter struct{ s *Session }

func (r reporter) CompleteTransfer(ctx context.Context, transferID, outcome string) error {
	return r.s.opts.API.CompleteTransfer(ctx, r.s.opts.ClientToken, transferID, outcome)
}

// Run 连接信令通道并处理消息，直到 ctx 取消、通道关闭或会话结束
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	if len(s.opts.Monitors) > 0 {
		if _, err := s.opts.API.RegisterMonitors(s.ctx, s.opts.ClientToken, s.opts.SessionID, s.opts.Monitors); err != nil {
			s.log.Warn("register monitors failed", "error", err)
		}
	}

	if err := s.ws.Connect(); err != nil {
		return err
	}
	defer s.ws.Close()
	defer s.peer.Close()

	ticker := time.NewTicker(sessionHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return ctx.Err()
		case reason := <-s.closed:
			s.log.Info("channel closed", "reason", reason)
			return ErrSessionGone
		case <-s.ws.Done():
			return errors.New("信令连接已断开")
		case <-ticker.C:
			err := s.opts.API.SessionHeartbeat(s.ctx, s.opts.ClientToken, s.opts.SessionID)
			if api.IsStatus(err, http.StatusNotFound) || api.IsStatus(err, http.StatusGone) {
				return ErrSessionGone
			}
			if err != nil {
				s.log.Warn("session heartbeat failed", "error", err)
			}
		}
	}
}

// handle 处理中继投递的消息，耗时操作放到独立协程
func (s *Session) handle(env *relay.Envelope) {
	switch env.Type {
	case relay.TypeApprovalRequest:
		go s.handleApprovalRequest(env.Payload)

	case relay.TypeApprovalResult:
		var result struct {
			Approved bool   `json:"approved"`
			Status   string `json:"status"`
		}
		if err := json.Unmarshal(env.Payload, &result); err != nil {
			return
		}
		s.log.Info("approval result", "approved", result.Approved, "status", result.Status)
		if result.Approved {
			s.shareOnce.Do(func() { go s.shareFiles() })
		}

	case relay.TypeOffer:
		go func() {
			if err := s.peer.HandleOffer(s.ctx, env.Payload); err != nil {
				s.log.Warn("answer offer failed", "error", err)
			}
		}()

	case relay.TypeICECandidate:
		if err := s.peer.HandleCandidate(env.Payload); err != nil {
			s.log.Debug("add ice candidate failed", "error", err)
		}

	case relay.TypeFileAvailable:
		go s.handleFileAvailable(env.Payload)

	case relay.TypeMonitorSwitch:
		var payload struct {
			MonitorIndex int `json:"monitor_index"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err == nil {
			s.log.Info("monitor switched", "monitor_index", payload.MonitorIndex)
		}

	case relay.TypeChannelClosed:
		var payload relay.ClosedPayload
		json.Unmarshal(env.Payload, &payload)
		s.closeOnce.Do(func() { s.closed <- payload.Reason })

	case relay.TypePeerJoined, relay.TypePeerLeft:
		var payload relay.PeerPayload
		json.Unmarshal(env.Payload, &payload)
		s.log.Info(env.Type, "participant", payload.ParticipantID)

	case relay.TypeDeliveryGap:
		var payload relay.GapPayload
		json.Unmarshal(env.Payload, &payload)
		s.log.Warn("messages dropped", "dropped", payload.Dropped)

	case relay.TypeError:
		var payload relay.ErrorPayload
		json.Unmarshal(env.Payload, &payload)
		s.log.Warn("relay error", "message", payload.Message)

	default:
		s.log.Debug("unhandled message", "type", env.Type, "from", env.From)
	}
}

// handleApprovalRequest 询问本地用户并回送决定
// 同一时间只弹一个确认
func (s *Session) handleApprovalRequest(raw json.RawMessage) {
	var req struct {
		TechnicianID   int64  `json:"technician_id"`
		TechnicianName string `json:"technician_name"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	name := req.TechnicianName
	if name == "" {
		name = fmt.Sprintf("#%d", req.TechnicianID)
	}

	s.promptMu.Lock()
	approved := s.opts.Prompter != nil && s.opts.Prompter.Confirm(fmt.Sprintf("技术员 %s 请求远程协助，是否允许？", name))
	s.promptMu.Unlock()

	s.log.Info("approval decided", "technician_id", req.TechnicianID, "approved", approved)
	if err := s.ws.Send(relay.TypeApprovalDecision, map[string]bool{"approved": approved}); err != nil {
		s.log.Warn("send decision failed", "error", err)
	}
}

// handleFileAvailable 技术员上传完成后从服务器暂存区取回
// 已经走数据通道收到的传输不再下载
func (s *Session) handleFileAvailable(raw json.RawMessage) {
	var payload struct {
		TransferID string `json:"transfer_id"`
		Name       string `json:"name"`
		Direction  string `json:"direction"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Direction != "upload" {
		return
	}
	if s.files.Received(payload.TransferID) {
		return
	}

	path, err := s.files.Fetch(s.ctx, payload.Name, func(ctx context.Context, offset int64, length int) ([]byte, error) {
		return s.opts.API.DownloadChunk(ctx, s.opts.ClientToken, payload.TransferID, offset, length)
	})
	if err != nil {
		s.log.Warn("fetch file failed", "transfer_id", payload.TransferID, "error", err)
		return
	}
	s.log.Info("file received", "transfer_id", payload.TransferID, "path", path)
}

// shareFiles 把本地文件逐个经暂存区发给技术员，同时允许对端经数据通道直接读取
func (s *Session) shareFiles() {
	for _, path := range s.opts.Share {
		id, err := s.sendFile(path)
		if err != nil {
			s.log.Warn("share file failed", "path", path, "error", err)
			continue
		}
		s.files.Offer(id, path)
		s.log.Info("file shared", "path", path, "transfer_id", id)
	}
}

func (s *Session) sendFile(path string) (string, error) {
	info, err := s.opts.Fs.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s 是目录", path)
	}

	transfer, err := s.opts.API.BeginTransfer(s.ctx, s.opts.ClientToken, s.opts.SessionID, &api.BeginTransferRequest{
		OriginalName: filepath.Base(path),
		FileSize:     info.Size(),
		MimeType:     mime.TypeByExtension(filepath.Ext(path)),
		Direction:    "download",
	})
	if err != nil {
		return "", err
	}

	var offset int64
	for offset < info.Size() {
		data, err := storage.ReadChunk(s.opts.Fs, path, offset, s.opts.ChunkSize)
		if err == nil && len(data) == 0 {
			err = fmt.Errorf("%s 在读取时被截断", path)
		}
		if err == nil {
			err = s.opts.API.UploadChunk(s.ctx, s.opts.ClientToken, transfer.ID, offset, data)
		}
		if err != nil {
			s.opts.API.CompleteTransfer(s.ctx, s.opts.ClientToken, transfer.ID, peer.OutcomeFailed)
			return "", err
		}
		offset += int64(len(data))
	}
	if err := s.opts.API.CompleteTransfer(s.ctx, s.opts.ClientToken, transfer.ID, peer.OutcomeComplete); err != nil {
		return "", err
	}
	return transfer.ID, nil
}
