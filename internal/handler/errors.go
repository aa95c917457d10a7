// Package handler 提供 HTTP 请求处理器
// handler 只负责参数解析和错误映射，业务逻辑在 service 层
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"remote-assist/internal/service"
	"remote-assist/internal/storage"
	"remote-assist/pkg/response"
)

// respondError 把服务层错误映射成 HTTP 状态码和业务状态码
// notFoundCode 是当前资源对应的“不存在”业务码
func respondError(c *gin.Context, log *slog.Logger, err error, notFoundCode int) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		response.ErrorWithCode(c, http.StatusNotFound, notFoundCode, err.Error())
	case errors.Is(err, service.ErrExpired):
		response.ErrorWithCode(c, http.StatusGone, response.CodeSessionExpired, err.Error())
	case errors.Is(err, service.ErrConflict):
		response.Conflict(c, response.CodeConflict, err.Error())
	case errors.Is(err, service.ErrAlreadyPending):
		response.Conflict(c, response.CodeAlreadyPending, err.Error())
	case errors.Is(err, service.ErrAlreadyConnected):
		response.Conflict(c, response.CodeAlreadyConnected, err.Error())
	case errors.Is(err, service.ErrInvalidTransition):
		response.Conflict(c, response.CodeInvalidTransition, err.Error())
	case errors.Is(err, service.ErrStaleDecision):
		response.Conflict(c, response.CodeStaleDecision, err.Error())
	case errors.Is(err, service.ErrSessionNotConnected):
		response.Conflict(c, response.CodeSessionNotConnected, err.Error())
	case errors.Is(err, service.ErrTransferNotActive):
		response.Conflict(c, response.CodeConflict, err.Error())
	case errors.Is(err, service.ErrNoPermission):
		response.Forbidden(c, err.Error())
	case errors.Is(err, service.ErrDeviceTokenMismatch):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, service.ErrWakeThrottled):
		response.ErrorWithCode(c, http.StatusTooManyRequests, response.CodeWakeThrottled, err.Error())
	case errors.Is(err, service.ErrNoMACAddress):
		response.ErrorWithCode(c, http.StatusUnprocessableEntity, response.CodeNoMACAddress, err.Error())
	case errors.Is(err, service.ErrTransferTooLarge):
		response.ErrorWithCode(c, http.StatusRequestEntityTooLarge, response.CodeTransferTooLarge, err.Error())
	case errors.Is(err, service.ErrInvalidArgument),
		errors.Is(err, service.ErrInvalidSessionCode),
		errors.Is(err, service.ErrInvalidMonitors),
		errors.Is(err, service.ErrChunkOutOfRange),
		errors.Is(err, storage.ErrInvalidRange):
		response.BadRequest(c, err.Error())
	default:
		log.Error("request failed", "path", c.FullPath(), "error", err)
		response.InternalError(c, "服务器内部错误")
	}
}
