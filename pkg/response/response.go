// Package response 提供统一的 HTTP 响应格式
// 所有 API 都使用相同的响应结构，便于客户端处理
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
// code: 业务状态码（0 表示成功）
// message: 提示信息
// data: 响应数据
type Response struct {
	Code    int         `json:"code"`           // 业务状态码
	Message string      `json:"message"`        // 提示信息
	Data    interface{} `json:"data,omitempty"` // 响应数据，可选
}

// 业务状态码定义
const (
	CodeSuccess       = 0    // 成功
	CodeBadRequest    = 1000 // 请求参数错误
	CodeUnauthorized  = 1001 // 未授权
	CodeForbidden     = 1002 // 禁止访问
	CodeNotFound      = 1003 // 资源不存在
	CodeInternalError = 1004 // 服务器内部错误
	CodeConflict      = 1005 // 资源冲突

	CodeUserExists    = 1101 // 用户已存在
	CodeUserNotFound  = 1102 // 用户不存在
	CodePasswordWrong = 1103 // 密码错误

	CodeDeviceNotFound = 1201 // 设备不存在
	CodeAlreadyPending = 1202 // 设备已有待认领会话
	CodeWakeThrottled  = 1203 // 唤醒过于频繁
	CodeNoMACAddress   = 1204 // 设备未登记 MAC 地址

	CodeSessionNotFound     = 1301 // 会话不存在
	CodeInvalidTransition   = 1302 // 非法状态迁移
	CodeAlreadyConnected    = 1303 // 会话已有技术员接入
	CodeStaleDecision       = 1304 // 审批决定已失效
	CodeSessionExpired      = 1305 // 会话或认领已过期
	CodeSessionNotConnected = 1306 // 会话未处于连接状态

	CodeTransferNotFound = 1401 // 文件不存在或已过期
	CodeTransferTooLarge = 1402 // 文件超过大小限制
)

// Success 返回成功响应
// 参数:
//   - c: Gin 上下文
//   - data: 响应数据，可以是任意类型
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithMessage 返回成功响应（带自定义消息）
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: message,
		Data:    data,
	})
}

// ErrorWithCode 返回错误响应（带业务状态码）
// 参数:
//   - c: Gin 上下文
//   - httpCode: HTTP 状态码
//   - bizCode: 业务状态码
//   - message: 错误信息
func ErrorWithCode(c *gin.Context, httpCode, bizCode int, message string) {
	c.JSON(httpCode, Response{
		Code:    bizCode,
		Message: message,
	})
}

// BadRequest 返回 400 错误（请求参数错误）
func BadRequest(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusBadRequest, CodeBadRequest, message)
}

// Unauthorized 返回 401 错误（未授权）
func Unauthorized(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden 返回 403 错误（禁止访问）
func Forbidden(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusForbidden, CodeForbidden, message)
}

// NotFound 返回 404 错误（资源不存在）
func NotFound(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusNotFound, CodeNotFound, message)
}

// Conflict 返回 409 错误（带业务状态码）
func Conflict(c *gin.Context, bizCode int, message string) {
	ErrorWithCode(c, http.StatusConflict, bizCode, message)
}

// InternalError 返回 500 错误（服务器内部错误）
func InternalError(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusInternalServerError, CodeInternalError, message)
}

// Created 返回 201 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    CodeSuccess,
		Message: "创建成功",
		Data:    data,
	})
}

// Accepted 返回 202 已接受响应（用于异步操作）
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Code:    CodeSuccess,
		Message: "请求已接受",
		Data:    data,
	})
}
