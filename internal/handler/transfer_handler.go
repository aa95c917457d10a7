package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"remote-assist/internal/model"
	"remote-assist/internal/service"
	"remote-assist/pkg/response"
)

// TransferHandler 文件传输请求处理器
// 字节按块上传和下载，每块不超过 chunkSize
type TransferHandler struct {
	transfers *service.TransferService
	sessions  *service.SessionService
	chunkSize int
	log       *slog.Logger
}

// NewTransferHandler 创建 TransferHandler 实例
func NewTransferHandler(transfers *service.TransferService, sessions *service.SessionService, chunkSize int, log *slog.Logger) *TransferHandler {
	return &TransferHandler{transfers: transfers, sessions: sessions, chunkSize: chunkSize, log: log}
}

// Begin 登记一个传输
// POST /api/v1/sessions/:code/transfers
func (h *TransferHandler) Begin(c *gin.Context) {
	var req service.BeginUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	session, ok := authorizeSession(c, h.sessions, h.log, c.Param("code"))
	if !ok {
		return
	}

	transfer, err := h.transfers.BeginUpload(c.Request.Context(), session.SessionID, &req)
	if err != nil {
		respondError(c, h.log, err, response.CodeSessionNotFound)
		return
	}
	response.Created(c, transfer)
}

// List 获取会话中的传输
// GET /api/v1/sessions/:code/transfers
func (h *TransferHandler) List(c *gin.Context) {
	session, ok := authorizeSession(c, h.sessions, h.log, c.Param("code"))
	if !ok {
		return
	}
	transfers, err := h.transfers.ListBySession(c.Request.Context(), session.SessionID)
	if err != nil {
		respondError(c, h.log, err, response.CodeTransferNotFound)
		return
	}
	response.Success(c, transfers)
}

// load 加载传输并检查调用方属于其会话
func (h *TransferHandler) load(c *gin.Context) (*model.FileTransfer, bool) {
	transfer, err := h.transfers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err, response.CodeTransferNotFound)
		return nil, false
	}
	if _, ok := authorizeSession(c, h.sessions, h.log, transfer.SessionID); !ok {
		return nil, false
	}
	return transfer, true
}

// Get 获取传输元数据
// GET /api/v1/transfers/:id
func (h *TransferHandler) Get(c *gin.Context) {
	transfer, ok := h.load(c)
	if !ok {
		return
	}
	response.Success(c, transfer)
}

// queryInt64 解析非负整数查询参数，缺省时返回 def
func queryInt64(c *gin.Context, key string, def int64) (int64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		response.BadRequest(c, "参数 "+key+" 不合法")
		return 0, false
	}
	return v, true
}

// UploadChunk 写入一块数据
// PUT /api/v1/transfers/:id/content?offset=N
func (h *TransferHandler) UploadChunk(c *gin.Context) {
	transfer, ok := h.load(c)
	if !ok {
		return
	}
	offset, ok := queryInt64(c, "offset", 0)
	if !ok {
		return
	}

	// 多读一个字节用来判断是否超过块大小
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(h.chunkSize)+1))
	if err != nil {
		response.BadRequest(c, "读取请求体失败")
		return
	}
	if len(data) > h.chunkSize {
		response.ErrorWithCode(c, http.StatusRequestEntityTooLarge, response.CodeTransferTooLarge,
			fmt.Sprintf("单块不能超过 %d 字节", h.chunkSize))
		return
	}

	if err := h.transfers.WriteChunk(c.Request.Context(), transfer.ID, offset, data); err != nil {
		respondError(c, h.log, err, response.CodeTransferNotFound)
		return
	}
	response.Success(c, gin.H{"written": len(data)})
}

// DownloadChunk 读取一块数据，返回原始字节
// GET /api/v1/transfers/:id/content?offset=N&length=M
func (h *TransferHandler) DownloadChunk(c *gin.Context) {
	transfer, ok := h.load(c)
	if !ok {
		return
	}
	offset, ok := queryInt64(c, "offset", 0)
	if !ok {
		return
	}
	length, ok := queryInt64(c, "length", int64(h.chunkSize))
	if !ok {
		return
	}
	if length == 0 || length > int64(h.chunkSize) {
		length = int64(h.chunkSize)
	}

	chunk, err := h.transfers.ReadChunk(c.Request.Context(), transfer.ID, offset, int(length))
	if err != nil {
		respondError(c, h.log, err, response.CodeTransferNotFound)
		return
	}

	mime := transfer.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	if len(chunk) > 0 {
		c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(chunk))-1, transfer.FileSize))
	}
	c.Data(http.StatusOK, mime, chunk)
}

// CompleteRequest 结束传输请求
type CompleteRequest struct {
	Outcome model.TransferStatus `json:"outcome" binding:"required"` // complete / failed
}

// Complete 结束传输
// POST /api/v1/transfers/:id/complete
func (h *TransferHandler) Complete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	transfer, ok := h.load(c)
	if !ok {
		return
	}

	transfer, err := h.transfers.CompleteTransfer(c.Request.Context(), transfer.ID, req.Outcome)
	if err != nil {
		respondError(c, h.log, err, response.CodeTransferNotFound)
		return
	}
	response.Success(c, transfer)
}
