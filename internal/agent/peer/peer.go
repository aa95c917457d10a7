// Package peer 是代理端的 WebRTC 对端
// 应答技术员的 offer，并在 files 数据通道上收发文件
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"remote-assist/internal/relay"
)

// FilesLabel 文件数据通道的标签
const FilesLabel = "files"

const iceGatherTimeout = 15 * time.Second

// ErrNoConnection 还没有收到 offer
var ErrNoConnection = errors.New("peer connection not established")

// Signaler 把应答发回信令通道
type Signaler interface {
	Send(msgType string, payload interface{}) error
}

// Peer 一个会话内的 WebRTC 对端
// 技术员每发一次 offer 就替换一次连接
type Peer struct {
	signaler   Signaler
	files      *FileServer
	iceServers []webrtc.ICEServer
	log        *slog.Logger

	mu sync.Mutex
	pc *webrtc.PeerConnection
}

// New 创建 Peer，iceServers 为 stun/turn 地址
func New(signaler Signaler, files *FileServer, iceServers []string, log *slog.Logger) *Peer {
	var servers []webrtc.ICEServer
	if len(iceServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Peer{
		signaler:   signaler,
		files:      files,
		iceServers: servers,
		log:        log.With("component", "peer"),
	}
}

// HandleOffer 应答一个 offer
// payload 是 {"type":"offer","sdp":"..."}，应答在 ICE 收集完成后一次发出
func (p *Peer) HandleOffer(ctx context.Context, payload json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("unexpected sdp type %q", offer.Type.String())
	}

	pc, err := p.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.handleDataChannel(dc)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Info("ICE state change", "state", state.String())
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	if err := p.signaler.Send(relay.TypeAnswer, pc.LocalDescription()); err != nil {
		pc.Close()
		return fmt.Errorf("sending SDP answer: %w", err)
	}

	p.mu.Lock()
	old := p.pc
	p.pc = pc
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}

	p.log.Info("offer answered")
	return nil
}

// HandleCandidate 添加对端补发的 ICE candidate
func (p *Peer) HandleCandidate(payload json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return ErrNoConnection
	}
	return pc.AddICECandidate(candidate)
}

// Close 关闭当前连接
func (p *Peer) Close() error {
	p.mu.Lock()
	pc := p.pc
	p.pc = nil
	p.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// handleDataChannel 只接受 files 通道，其余关闭
func (p *Peer) handleDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() != FilesLabel || p.files == nil {
		p.log.Debug("ignoring data channel", "label", dc.Label())
		dc.OnOpen(func() {
			dc.Close()
		})
		return
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		reply := p.files.Handle(context.Background(), msg.Data)
		if err := dc.SendText(string(reply)); err != nil {
			p.log.Warn("data channel send failed", "label", dc.Label(), "error", err)
		}
	})
}

func (p *Peer) newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: p.iceServers,
	}

	// loopback candidate 便于同机调试
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}
