package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-assist/internal/agent/api"
	"remote-assist/internal/agent/config"
	"remote-assist/internal/relay"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeOK(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "message": "success", "data": data})
}

// fakeServer 模拟 HTTP API 和信令通道
type fakeServer struct {
	*httptest.Server
	mux *http.ServeMux

	mu       sync.Mutex
	calls    []string
	inbound  chan relay.Inbound
	outbound chan relay.Envelope
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{
		mux:      http.NewServeMux(),
		inbound:  make(chan relay.Inbound, 16),
		outbound: make(chan relay.Envelope, 16),
	}
	upgrader := websocket.Upgrader{}
	f.mux.HandleFunc("/ws/session", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for {
				var in relay.Inbound
				if err := conn.ReadJSON(&in); err != nil {
					return
				}
				if in.Type != relay.TypeHeartbeat {
					f.inbound <- in
				}
			}
		}()
		for env := range f.outbound {
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	})
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		close(f.outbound)
		f.Close()
	})
	return f
}

func (f *fakeServer) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeServer) push(t *testing.T, msgType string, payload interface{}) {
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	f.outbound <- relay.Envelope{Type: msgType, SessionID: "ABCD2345", From: relay.FromServer, Payload: raw}
}

type fixedPrompter struct {
	answer  bool
	prompts chan string
}

func (p *fixedPrompter) Confirm(prompt string) bool {
	p.prompts <- prompt
	return p.answer
}

func newTestSession(t *testing.T, srv *fakeServer, fs afero.Fs, prompter Prompter, share []string) *Session {
	s, err := NewSession(SessionOptions{
		API:         api.NewClient(srv.URL),
		SessionID:   "ABCD2345",
		ClientToken: "client-token",
		Fs:          fs,
		ReceiveDir:  "/recv",
		ChunkSize:   4,
		Prompter:    prompter,
		Monitors:    []api.Monitor{{MonitorIndex: 0, Width: 1920, Height: 1080, IsPrimary: true}},
		Share:       share,
	}, discardLogger())
	require.NoError(t, err)
	return s
}

func runSession(s *Session) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return cancel, done
}

func TestSessionApprovalPrompt(t *testing.T) {
	srv := newFakeServer(t)
	srv.mux.HandleFunc("/api/v1/sessions/ABCD2345/monitors", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, []api.Monitor{})
	})
	prompter := &fixedPrompter{answer: true, prompts: make(chan string, 1)}
	s := newTestSession(t, srv, afero.NewMemMapFs(), prompter, nil)
	cancel, done := runSession(s)
	defer cancel()

	srv.push(t, relay.TypeApprovalRequest, map[string]interface{}{"session_id": "ABCD2345", "technician_id": 7, "technician_name": "alice"})

	select {
	case prompt := <-prompter.prompts:
		assert.Contains(t, prompt, "alice")
	case <-time.After(3 * time.Second):
		t.Fatal("no prompt")
	}
	select {
	case in := <-srv.inbound:
		assert.Equal(t, relay.TypeApprovalDecision, in.Type)
		assert.JSONEq(t, `{"approved":true}`, string(in.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("no decision sent")
	}
	assert.True(t, srv.called("PUT /api/v1/sessions/ABCD2345/monitors"))

	srv.push(t, relay.TypeChannelClosed, relay.ClosedPayload{Reason: "terminated"})
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionGone)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestSessionNoPrompterDenies(t *testing.T) {
	srv := newFakeServer(t)
	s := newTestSession(t, srv, afero.NewMemMapFs(), nil, nil)
	s.opts.Monitors = nil
	cancel, done := runSession(s)

	srv.push(t, relay.TypeApprovalRequest, map[string]interface{}{"technician_id": 7})
	select {
	case in := <-srv.inbound:
		assert.JSONEq(t, `{"approved":false}`, string(in.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("no decision sent")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestSessionFetchesUploadedFile(t *testing.T) {
	srv := newFakeServer(t)
	content := []byte("hello world")
	srv.mux.HandleFunc("/api/v1/transfers/t-1/content", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer client-token", r.Header.Get("Authorization"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		length, _ := strconv.Atoi(r.URL.Query().Get("length"))
		end := offset + length
		if end > len(content) {
			end = len(content)
		}
		w.Write(content[offset:end])
	})
	fs := afero.NewMemMapFs()
	s := newTestSession(t, srv, fs, nil, nil)
	s.opts.Monitors = nil
	cancel, _ := runSession(s)
	defer cancel()

	// 技术员收到的 download 方向不处理
	srv.push(t, relay.TypeFileAvailable, map[string]interface{}{"transfer_id": "t-2", "name": "other.txt", "direction": "download"})
	srv.push(t, relay.TypeFileAvailable, map[string]interface{}{"transfer_id": "t-1", "name": "notes.txt", "direction": "upload"})

	require.Eventually(t, func() bool {
		data, err := afero.ReadFile(fs, "/recv/notes.txt")
		return err == nil && string(data) == string(content)
	}, 3*time.Second, 20*time.Millisecond)
	assert.False(t, srv.called("GET /api/v1/transfers/t-2/content"))
}

func TestSessionSharesFilesAfterApproval(t *testing.T) {
	srv := newFakeServer(t)
	var (
		mu       sync.Mutex
		uploaded []byte
		outcome  string
	)
	srv.mux.HandleFunc("/api/v1/sessions/ABCD2345/transfers", func(w http.ResponseWriter, r *http.Request) {
		var req api.BeginTransferRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "report.txt", req.OriginalName)
		assert.Equal(t, "download", req.Direction)
		assert.Equal(t, int64(10), req.FileSize)
		writeOK(w, api.Transfer{ID: "t-9", SessionID: "ABCD2345", Status: "pending"})
	})
	srv.mux.HandleFunc("/api/v1/transfers/t-9/content", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		uploaded = append(uploaded, body...)
		mu.Unlock()
		writeOK(w, nil)
	})
	srv.mux.HandleFunc("/api/v1/transfers/t-9/complete", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		outcome = req["outcome"]
		mu.Unlock()
		writeOK(w, nil)
	})

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/home/user/report.txt", []byte("0123456789"), 0o644))
	s := newTestSession(t, srv, fs, nil, []string{"/home/user/report.txt"})
	s.opts.Monitors = nil
	cancel, _ := runSession(s)
	defer cancel()

	srv.push(t, relay.TypeApprovalResult, map[string]interface{}{"approved": true, "status": "connected"})

	// 分享完成后文件也可以经数据通道读取
	require.Eventually(t, func() bool {
		reply := s.files.Handle(context.Background(), []byte(`{"op":"get","transfer_id":"t-9","length":4}`))
		return strings.Contains(string(reply), `"op":"data"`)
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "complete", outcome)
	assert.Equal(t, "0123456789", string(uploaded))
}

func TestDeviceClaimsPendingSession(t *testing.T) {
	srv := newFakeServer(t)
	srv.mux.HandleFunc("/api/v1/devices/register", func(w http.ResponseWriter, r *http.Request) {
		var req api.RegisterDeviceRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "test-pc", req.DisplayName)
		writeOK(w, api.RegisterDeviceResponse{DeviceID: "dev-1", DeviceToken: "dt", AccessToken: "device-jwt", Paired: true})
	})
	srv.mux.HandleFunc("/api/v1/devices/dev-1/pending", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer device-jwt", r.Header.Get("Authorization"))
		writeOK(w, api.PendingClaim{DeviceID: "dev-1", SessionID: "ABCD2345", TechnicianID: 7})
	})
	srv.mux.HandleFunc("/api/v1/devices/dev-1/claim", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, api.ClaimResponse{Decision: "auto_approved", ClientToken: "client-token"})
	})
	srv.mux.HandleFunc("/api/v1/devices/dev-1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, map[string]interface{}{})
	})

	store, err := config.Load(t.TempDir())
	require.NoError(t, err)
	store.Get().Device.DisplayName = "test-pc"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	claimed := make(chan [2]string, 1)
	d := NewDevice(api.NewClient(srv.URL), store, func(_ context.Context, sessionID, token string) error {
		claimed <- [2]string{sessionID, token}
		return nil
	}, discardLogger())
	d.interval = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case got := <-claimed:
		assert.Equal(t, [2]string{"ABCD2345", "client-token"}, got)
	case <-time.After(3 * time.Second):
		t.Fatal("session not claimed")
	}
	assert.Equal(t, "dev-1", store.Get().Device.ID)
	assert.True(t, store.IsRegistered())

	require.Eventually(t, func() bool { return srv.called("POST /api/v1/devices/dev-1/heartbeat") }, 3*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDeviceReregistersOnRejectedCredentials(t *testing.T) {
	srv := newFakeServer(t)
	var (
		mu         sync.Mutex
		registers  int
		heartbeats int
	)
	srv.mux.HandleFunc("/api/v1/devices/register", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		registers++
		mu.Unlock()
		writeOK(w, api.RegisterDeviceResponse{DeviceID: "dev-1", DeviceToken: "dt", AccessToken: "device-jwt"})
	})
	srv.mux.HandleFunc("/api/v1/devices/dev-1/pending", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, nil)
	})
	srv.mux.HandleFunc("/api/v1/devices/dev-1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		heartbeats++
		first := heartbeats == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]interface{}{"code": 1002, "message": "token expired"})
			return
		}
		writeOK(w, map[string]interface{}{})
	})

	store, err := config.Load(t.TempDir())
	require.NoError(t, err)
	d := NewDevice(api.NewClient(srv.URL), store, func(context.Context, string, string) error { return nil }, discardLogger())

	_, err = d.Register(context.Background())
	require.NoError(t, err)
	pending, err := d.heartbeat(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pending)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, registers)
	assert.Equal(t, 2, heartbeats)
}
