package peer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	outcomes map[string]string
	err      error
}

func (r *fakeReporter) CompleteTransfer(_ context.Context, transferID, outcome string) error {
	if r.err != nil {
		return r.err
	}
	r.outcomes[transferID] = outcome
	return nil
}

func newFileServer(t *testing.T) (*FileServer, afero.Fs, *fakeReporter) {
	fs := afero.NewMemMapFs()
	reporter := &fakeReporter{outcomes: make(map[string]string)}
	s, err := NewFileServer(fs, "/recv", 4, reporter, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s, fs, reporter
}

func do(t *testing.T, s *FileServer, req Request) Reply {
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	var reply Reply
	require.NoError(t, json.Unmarshal(s.Handle(context.Background(), raw), &reply))
	return reply
}

func TestPutAndDone(t *testing.T) {
	s, fs, reporter := newFileServer(t)

	// 乱序写入
	reply := do(t, s, Request{Op: OpPut, TransferID: "t1", Name: "report.txt", Offset: 4, Data: []byte("5678")})
	assert.Equal(t, OpAck, reply.Op)
	assert.Equal(t, int64(8), reply.Offset)
	do(t, s, Request{Op: OpPut, TransferID: "t1", Name: "report.txt", Offset: 0, Data: []byte("1234")})
	assert.False(t, s.Received("t1"))

	reply = do(t, s, Request{Op: OpDone, TransferID: "t1"})
	assert.Equal(t, OpDone, reply.Op)
	assert.True(t, s.Received("t1"))
	assert.Equal(t, OutcomeComplete, reporter.outcomes["t1"])

	data, err := afero.ReadFile(fs, "/recv/report.txt")
	require.NoError(t, err)
	assert.Equal(t, "12345678", string(data))

	// 结束后再 done 视为未知传输
	reply = do(t, s, Request{Op: OpDone, TransferID: "t1"})
	assert.Equal(t, OpError, reply.Op)
}

func TestFailedTransferRemovesPartialFile(t *testing.T) {
	s, fs, reporter := newFileServer(t)

	do(t, s, Request{Op: OpPut, TransferID: "t1", Name: "big.bin", Data: []byte("abcd")})
	reply := do(t, s, Request{Op: OpDone, TransferID: "t1", Outcome: OutcomeFailed})
	assert.Equal(t, OpDone, reply.Op)
	assert.Equal(t, OutcomeFailed, reporter.outcomes["t1"])
	assert.False(t, s.Received("t1"))

	exists, err := afero.Exists(fs, "/recv/big.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReporterFailure(t *testing.T) {
	s, _, reporter := newFileServer(t)
	reporter.err = errors.New("offline")

	do(t, s, Request{Op: OpPut, TransferID: "t1", Name: "a.txt", Data: []byte("x")})
	reply := do(t, s, Request{Op: OpDone, TransferID: "t1"})
	assert.Equal(t, OpError, reply.Op)
	assert.Contains(t, reply.Error, "offline")
}

func TestNameCollisionAndTraversal(t *testing.T) {
	s, fs, _ := newFileServer(t)
	require.NoError(t, afero.WriteFile(fs, "/recv/notes.txt", []byte("existing"), 0o644))

	do(t, s, Request{Op: OpPut, TransferID: "t1", Name: "notes.txt", Data: []byte("new")})
	do(t, s, Request{Op: OpPut, TransferID: "t2", Name: "../../notes.txt", Data: []byte("other")})
	do(t, s, Request{Op: OpDone, TransferID: "t1"})
	do(t, s, Request{Op: OpDone, TransferID: "t2"})

	data, err := afero.ReadFile(fs, "/recv/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "existing", string(data))

	data, err = afero.ReadFile(fs, "/recv/notes (1).txt")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	data, err = afero.ReadFile(fs, "/recv/notes (2).txt")
	require.NoError(t, err)
	assert.Equal(t, "other", string(data))

	reply := do(t, s, Request{Op: OpPut, TransferID: "t3", Name: "..", Data: []byte("x")})
	assert.Equal(t, OpError, reply.Op)
}

func TestGetOfferedFile(t *testing.T) {
	s, fs, _ := newFileServer(t)
	require.NoError(t, afero.WriteFile(fs, "/home/user/log.txt", []byte("abcdefgh"), 0o644))

	reply := do(t, s, Request{Op: OpGet, TransferID: "t1", Offset: 0, Length: 4})
	assert.Equal(t, OpError, reply.Op)

	s.Offer("t1", "/home/user/log.txt")

	var got []byte
	var offset int64
	for {
		// 请求长度超过分块大小时按分块大小截断
		reply = do(t, s, Request{Op: OpGet, TransferID: "t1", Offset: offset, Length: 100})
		require.Equal(t, OpData, reply.Op)
		assert.Equal(t, offset, reply.Offset)
		assert.LessOrEqual(t, len(reply.Data), 4)
		got = append(got, reply.Data...)
		offset += int64(len(reply.Data))
		if reply.EOF {
			break
		}
	}
	assert.Equal(t, "abcdefgh", string(got))
}

func TestInvalidRequests(t *testing.T) {
	s, _, _ := newFileServer(t)

	var reply Reply
	require.NoError(t, json.Unmarshal(s.Handle(context.Background(), []byte("not json")), &reply))
	assert.Equal(t, OpError, reply.Op)

	reply = do(t, s, Request{Op: "delete", TransferID: "t1"})
	assert.Equal(t, OpError, reply.Op)
	assert.Equal(t, "t1", reply.TransferID)

	do(t, s, Request{Op: OpPut, TransferID: "t1", Name: "a.txt", Data: []byte("x")})
	reply = do(t, s, Request{Op: OpDone, TransferID: "t1", Outcome: "expired"})
	assert.Equal(t, OpError, reply.Op)
}

func TestFetch(t *testing.T) {
	s, fs, _ := newFileServer(t)
	content := []byte("0123456789")

	path, err := s.Fetch(context.Background(), "staged.txt", func(_ context.Context, offset int64, length int) ([]byte, error) {
		end := offset + int64(length)
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		return content[offset:end], nil
	})
	require.NoError(t, err)
	assert.Equal(t, "/recv/staged.txt", path)

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	_, err = s.Fetch(context.Background(), "broken.txt", func(context.Context, int64, int) ([]byte, error) {
		return nil, errors.New("gone")
	})
	require.Error(t, err)
	exists, _ := afero.Exists(fs, "/recv/broken.txt")
	assert.False(t, exists)
}
