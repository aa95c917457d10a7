package peer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-assist/internal/relay"
)

type recordingSignaler struct {
	mu   sync.Mutex
	sent map[string][]byte
}

func (s *recordingSignaler) Send(msgType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent[msgType] = data
	s.mu.Unlock()
	return nil
}

// newOffer 模拟技术员端：创建 files 通道并生成完整的 offer
func newOffer(t *testing.T) (*webrtc.PeerConnection, []byte) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	_, err = pc.CreateDataChannel(FilesLabel, nil)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		t.Fatal("offer gathering timed out")
	}

	payload, err := json.Marshal(pc.LocalDescription())
	require.NoError(t, err)
	return pc, payload
}

func TestHandleOffer(t *testing.T) {
	signaler := &recordingSignaler{sent: make(map[string][]byte)}
	p := New(signaler, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer p.Close()

	offerer, payload := newOffer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, p.HandleOffer(ctx, payload))

	signaler.mu.Lock()
	raw, ok := signaler.sent[relay.TypeAnswer]
	signaler.mu.Unlock()
	require.True(t, ok)

	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(raw, &answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	// 技术员端能接受这个应答
	require.NoError(t, offerer.SetRemoteDescription(answer))
}

func TestHandleOfferRejectsBadPayload(t *testing.T) {
	signaler := &recordingSignaler{sent: make(map[string][]byte)}
	p := New(signaler, nil, []string{"stun:stun.example.com:3478"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := p.HandleOffer(context.Background(), json.RawMessage(`{"type":"answer","sdp":"v=0"}`))
	require.Error(t, err)

	err = p.HandleOffer(context.Background(), json.RawMessage(`not json`))
	require.Error(t, err)
	assert.Empty(t, signaler.sent)
}

func TestHandleCandidateWithoutOffer(t *testing.T) {
	p := New(&recordingSignaler{sent: make(map[string][]byte)}, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := p.HandleCandidate(json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host"}`))
	assert.ErrorIs(t, err, ErrNoConnection)

	err = p.HandleCandidate(json.RawMessage(`[]`))
	require.Error(t, err)
	assert.NoError(t, p.Close())
}
