package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"remote-assist/internal/storage"
)

// files 通道上的操作
const (
	OpPut   = "put"   // 技术员写入一块
	OpDone  = "done"  // 技术员结束一个传输
	OpGet   = "get"   // 技术员读取一块
	OpAck   = "ack"   // put 的确认
	OpData  = "data"  // get 的结果
	OpError = "error" // 操作失败
)

// 传输结果
const (
	OutcomeComplete = "complete"
	OutcomeFailed   = "failed"
)

// Request 技术员发来的文件操作
type Request struct {
	Op         string `json:"op"`
	TransferID string `json:"transfer_id"`
	Name       string `json:"name,omitempty"`
	Offset     int64  `json:"offset,omitempty"`
	Length     int    `json:"length,omitempty"`
	Data       []byte `json:"data,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
}

// Reply 代理的回应
type Reply struct {
	Op         string `json:"op"`
	TransferID string `json:"transfer_id,omitempty"`
	Offset     int64  `json:"offset,omitempty"`
	Data       []byte `json:"data,omitempty"`
	EOF        bool   `json:"eof,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Reporter 向服务器报告传输结果
type Reporter interface {
	CompleteTransfer(ctx context.Context, transferID, outcome string) error
}

// ChunkFunc 从服务器暂存区读取一块
type ChunkFunc func(ctx context.Context, offset int64, length int) ([]byte, error)

var errUnknownTransfer = errors.New("unknown transfer")

// FileServer 在本地目录上按块收发文件
// 收到的文件写入 dir，发出的文件需先 Offer 登记
type FileServer struct {
	fs        afero.Fs
	dir       string
	chunkSize int
	reporter  Reporter
	log       *slog.Logger

	mu       sync.Mutex
	incoming map[string]string // transfer_id -> 写入路径
	offered  map[string]string // transfer_id -> 本地文件
	received map[string]struct{}
}

// NewFileServer 创建 FileServer，dir 不存在时创建
func NewFileServer(fs afero.Fs, dir string, chunkSize int, reporter Reporter, log *slog.Logger) (*FileServer, error) {
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create receive dir: %w", err)
	}
	return &FileServer{
		fs:        fs,
		dir:       dir,
		chunkSize: chunkSize,
		reporter:  reporter,
		log:       log.With("component", "files"),
		incoming:  make(map[string]string),
		offered:   make(map[string]string),
		received:  make(map[string]struct{}),
	}, nil
}

// Offer 登记一个可供对端读取的本地文件
func (s *FileServer) Offer(transferID, path string) {
	s.mu.Lock()
	s.offered[transferID] = path
	s.mu.Unlock()
}

// Received 传输是否已经通过数据通道收完
func (s *FileServer) Received(transferID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.received[transferID]
	return ok
}

// Handle 处理一条原始消息并返回要回送的消息
func (s *FileServer) Handle(ctx context.Context, raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil || req.TransferID == "" {
		return encodeReply(Reply{Op: OpError, Error: "invalid request"})
	}

	var reply Reply
	var err error
	switch req.Op {
	case OpPut:
		reply, err = s.put(&req)
	case OpDone:
		reply, err = s.done(ctx, &req)
	case OpGet:
		reply, err = s.get(&req)
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		s.log.Warn("file op failed", "op", req.Op, "transfer_id", req.TransferID, "error", err)
		reply = Reply{Op: OpError, TransferID: req.TransferID, Error: err.Error()}
	}
	return encodeReply(reply)
}

func (s *FileServer) put(req *Request) (Reply, error) {
	s.mu.Lock()
	path, ok := s.incoming[req.TransferID]
	if !ok {
		var err error
		path, err = s.uniquePath(req.Name)
		if err != nil {
			s.mu.Unlock()
			return Reply{}, err
		}
		s.incoming[req.TransferID] = path
	}
	s.mu.Unlock()

	if err := storage.WriteChunk(s.fs, path, req.Data, req.Offset); err != nil {
		return Reply{}, err
	}
	return Reply{Op: OpAck, TransferID: req.TransferID, Offset: req.Offset + int64(len(req.Data))}, nil
}

func (s *FileServer) done(ctx context.Context, req *Request) (Reply, error) {
	outcome := req.Outcome
	if outcome == "" {
		outcome = OutcomeComplete
	}
	if outcome != OutcomeComplete && outcome != OutcomeFailed {
		return Reply{}, fmt.Errorf("invalid outcome %q", outcome)
	}

	s.mu.Lock()
	path, ok := s.incoming[req.TransferID]
	delete(s.incoming, req.TransferID)
	if ok && outcome == OutcomeComplete {
		s.received[req.TransferID] = struct{}{}
	}
	s.mu.Unlock()
	if !ok {
		return Reply{}, errUnknownTransfer
	}

	if outcome == OutcomeFailed {
		s.fs.Remove(path)
	} else {
		s.log.Info("file received", "transfer_id", req.TransferID, "path", path)
	}
	if s.reporter != nil {
		if err := s.reporter.CompleteTransfer(ctx, req.TransferID, outcome); err != nil {
			return Reply{}, fmt.Errorf("report outcome: %w", err)
		}
	}
	return Reply{Op: OpDone, TransferID: req.TransferID}, nil
}

func (s *FileServer) get(req *Request) (Reply, error) {
	s.mu.Lock()
	path, ok := s.offered[req.TransferID]
	s.mu.Unlock()
	if !ok {
		return Reply{}, errUnknownTransfer
	}

	length := req.Length
	if length <= 0 || length > s.chunkSize {
		length = s.chunkSize
	}
	data, err := storage.ReadChunk(s.fs, path, req.Offset, length)
	if err != nil {
		return Reply{}, err
	}
	return Reply{
		Op:         OpData,
		TransferID: req.TransferID,
		Offset:     req.Offset,
		Data:       data,
		EOF:        len(data) < length,
	}, nil
}

// Fetch 从服务器暂存区逐块下载到接收目录，返回本地路径
func (s *FileServer) Fetch(ctx context.Context, name string, next ChunkFunc) (string, error) {
	s.mu.Lock()
	path, err := s.uniquePath(name)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	// 占位，避免并发的传输拿到同一个名字
	if err := storage.WriteChunk(s.fs, path, nil, 0); err != nil {
		return "", err
	}

	var offset int64
	for {
		data, err := next(ctx, offset, s.chunkSize)
		if err != nil {
			s.fs.Remove(path)
			return "", err
		}
		if len(data) > 0 {
			if err := storage.WriteChunk(s.fs, path, data, offset); err != nil {
				s.fs.Remove(path)
				return "", err
			}
			offset += int64(len(data))
		}
		if len(data) < s.chunkSize {
			return path, nil
		}
	}
}

// uniquePath 在接收目录下为 name 找一个未占用的路径，调用方持有 mu
func (s *FileServer) uniquePath(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "", fmt.Errorf("invalid file name %q", name)
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	candidate := base
	for i := 1; ; i++ {
		path := filepath.Join(s.dir, candidate)
		if !s.pathTaken(path) {
			return path, nil
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
}

func (s *FileServer) pathTaken(path string) bool {
	for _, p := range s.incoming {
		if p == path {
			return true
		}
	}
	exists, err := afero.Exists(s.fs, path)
	return err != nil || exists
}

func encodeReply(r Reply) []byte {
	data, _ := json.Marshal(r)
	return data
}
