// Package api 封装客户端代理与服务器的 HTTP API 交互
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client API 客户端
// baseURL: 例如 http://localhost:8080
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建 API 客户端
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WebSocketURL 由 HTTP 地址推导信令通道地址
func (c *Client) WebSocketURL(token string) string {
	ws := strings.Replace(c.baseURL, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return ws + "/ws/session?token=" + url.QueryEscape(token)
}

// APIResponse 通用响应
type APIResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// APIError 服务端返回的错误
type APIError struct {
	Status  int    // HTTP 状态码
	Code    int    // 业务状态码
	Message string // 提示信息
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API 错误 (%d/%d): %s", e.Status, e.Code, e.Message)
}

// IsStatus 判断 err 是否是指定 HTTP 状态码的 APIError
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// --- 认证 ---

// LoginResponse 登录响应
type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Login 技术员使用用户名密码登录
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	body := map[string]string{
		"username": username,
		"password": password,
	}
	var result LoginResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/auth/login", "", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// --- 设备 ---

// RegisterDeviceRequest 设备注册请求
type RegisterDeviceRequest struct {
	DeviceID    string `json:"device_id,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
	DisplayName string `json:"display_name"`
	OS          string `json:"os"`
	Hostname    string `json:"hostname"`
	Arch        string `json:"arch"`
	MACAddress  string `json:"mac_address,omitempty"`
}

// RegisterDeviceResponse 设备注册响应
type RegisterDeviceResponse struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
	AccessToken string `json:"access_token"`
	Paired      bool   `json:"paired"`
}

// RegisterDevice 注册或刷新设备
func (c *Client) RegisterDevice(ctx context.Context, req *RegisterDeviceRequest) (*RegisterDeviceResponse, error) {
	var result RegisterDeviceResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/devices/register", "", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PendingClaim 待认领会话
type PendingClaim struct {
	DeviceID     string    `json:"device_id"`
	SessionID    string    `json:"session_id"`
	TechnicianID int64     `json:"technician_id"`
	RequestedAt  time.Time `json:"requested_at"`
}

type heartbeatResponse struct {
	Pending *PendingClaim `json:"pending"`
}

// Heartbeat 设备心跳，返回待认领会话（可能为 nil）
func (c *Client) Heartbeat(ctx context.Context, deviceID, deviceJWT string) (*PendingClaim, error) {
	var result heartbeatResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/devices/"+url.PathEscape(deviceID)+"/heartbeat", deviceJWT, nil, &result); err != nil {
		return nil, err
	}
	return result.Pending, nil
}

// CheckPending 查询待认领会话，没有时返回 nil
func (c *Client) CheckPending(ctx context.Context, deviceID, deviceJWT string) (*PendingClaim, error) {
	var result *PendingClaim
	if err := c.call(ctx, http.MethodGet, "/api/v1/devices/"+url.PathEscape(deviceID)+"/pending", deviceJWT, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Session 会话信息
type Session struct {
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	TechnicianID    *int64 `json:"technician_id,omitempty"`
	AllowUnattended bool   `json:"allow_unattended"`
}

// ClaimResponse 认领响应
type ClaimResponse struct {
	Decision    string   `json:"decision"`
	Session     *Session `json:"session"`
	ClientToken string   `json:"client_token"`
}

// Claim 认领待处理会话，得到客户端 Token
func (c *Client) Claim(ctx context.Context, deviceID, deviceJWT, sessionID string) (*ClaimResponse, error) {
	body := map[string]string{"session_id": sessionID}
	var result ClaimResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/devices/"+url.PathEscape(deviceID)+"/claim", deviceJWT, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PairDevice 把设备配对给技术员
func (c *Client) PairDevice(ctx context.Context, accessToken, deviceID string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/devices/"+url.PathEscape(deviceID)+"/pair", accessToken, nil, nil)
}

// SetUnattended 修改设备的无人值守开关
func (c *Client) SetUnattended(ctx context.Context, accessToken, deviceID string, allow bool) error {
	body := map[string]bool{"allow_unattended": allow}
	return c.call(ctx, http.MethodPut, "/api/v1/devices/"+url.PathEscape(deviceID), accessToken, body, nil)
}

// --- 会话 ---

// RegisterSessionRequest 注册会话请求
type RegisterSessionRequest struct {
	SessionID       string                 `json:"session_id,omitempty"`
	ClientInfo      map[string]interface{} `json:"client_info,omitempty"`
	AllowUnattended bool                   `json:"allow_unattended"`
}

// RegisterSessionResponse 注册会话响应
type RegisterSessionResponse struct {
	Session     *Session `json:"session"`
	ClientToken string   `json:"client_token"`
}

// RegisterSession 注册一个有人值守的会话
func (c *Client) RegisterSession(ctx context.Context, req *RegisterSessionRequest) (*RegisterSessionResponse, error) {
	var result RegisterSessionResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/sessions", "", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SessionHeartbeat 延长会话有效期
func (c *Client) SessionHeartbeat(ctx context.Context, clientToken, sessionID string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/heartbeat", clientToken, nil, nil)
}

// Monitor 显示器描述
type Monitor struct {
	MonitorIndex int    `json:"monitor_index"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Orientation  string `json:"orientation,omitempty"`
	IsPrimary    bool   `json:"is_primary"`
	IsActive     bool   `json:"is_active"`
}

// RegisterMonitors 上报显示器
func (c *Client) RegisterMonitors(ctx context.Context, clientToken, sessionID string, monitors []Monitor) ([]Monitor, error) {
	var result []Monitor
	if err := c.call(ctx, http.MethodPut, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/monitors", clientToken, monitors, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// --- 文件传输 ---

// Transfer 传输元数据
type Transfer struct {
	ID           string `json:"id"`
	SessionID    string `json:"session_id"`
	OriginalName string `json:"original_name"`
	FileSize     int64  `json:"file_size"`
	MimeType     string `json:"mime_type"`
	Direction    string `json:"direction"`
	Status       string `json:"status"`
}

// BeginTransferRequest 登记传输请求
type BeginTransferRequest struct {
	OriginalName string `json:"original_name"`
	FileSize     int64  `json:"file_size"`
	MimeType     string `json:"mime_type,omitempty"`
	Direction    string `json:"direction"`
}

// BeginTransfer 登记一个传输
func (c *Client) BeginTransfer(ctx context.Context, token, sessionID string, req *BeginTransferRequest) (*Transfer, error) {
	var result Transfer
	if err := c.call(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/transfers", token, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTransfer 获取传输元数据
func (c *Client) GetTransfer(ctx context.Context, token, id string) (*Transfer, error) {
	var result Transfer
	if err := c.call(ctx, http.MethodGet, "/api/v1/transfers/"+url.PathEscape(id), token, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CompleteTransfer 报告传输结果，outcome 为 complete 或 failed
func (c *Client) CompleteTransfer(ctx context.Context, token, id, outcome string) error {
	body := map[string]string{"outcome": outcome}
	return c.call(ctx, http.MethodPost, "/api/v1/transfers/"+url.PathEscape(id)+"/complete", token, body, nil)
}

// UploadChunk 经服务器中转上传一块数据
func (c *Client) UploadChunk(ctx context.Context, token, id string, offset int64, data []byte) error {
	path := "/api/v1/transfers/" + url.PathEscape(id) + "/content?offset=" + strconv.FormatInt(offset, 10)
	req, err := c.newRequest(ctx, http.MethodPut, path, token, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	_, err = c.do(req)
	return err
}

// DownloadChunk 经服务器中转下载一块数据，读到末尾时返回空切片
func (c *Client) DownloadChunk(ctx context.Context, token, id string, offset int64, length int) ([]byte, error) {
	path := fmt.Sprintf("/api/v1/transfers/%s/content?offset=%d&length=%d", url.PathEscape(id), offset, length)
	req, err := c.newRequest(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, body)
	}
	return body, nil
}

// --- 通用请求封装 ---

// call 发送 JSON 请求并把 data 解析到 out，out 为 nil 时忽略 data
func (c *Client) call(ctx context.Context, method, path, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, token, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*APIResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeError(resp.StatusCode, respBody)
	}

	var apiResp APIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	if apiResp.Code != 0 {
		return nil, &APIError{Status: resp.StatusCode, Code: apiResp.Code, Message: apiResp.Message}
	}
	return &apiResp, nil
}

// decodeError 尽量从响应体中取出业务错误
func decodeError(status int, body []byte) error {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	var apiResp APIResponse
	if err := json.Unmarshal(body, &apiResp); err == nil && apiResp.Message != "" {
		apiErr.Code = apiResp.Code
		apiErr.Message = apiResp.Message
	}
	return apiErr
}
