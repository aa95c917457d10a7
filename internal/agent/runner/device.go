package runner

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"remote-assist/internal/agent/api"
	"remote-assist/internal/agent/config"
)

// deviceHeartbeatInterval 设备心跳间隔，待认领会话随心跳返回
const deviceHeartbeatInterval = 30 * time.Second

// SessionRunner 运行一个已认领的会话直到结束
type SessionRunner func(ctx context.Context, sessionID, clientToken string) error

// Device 常驻的设备循环
// 注册、心跳、认领技术员发起的待处理会话
type Device struct {
	api       *api.Client
	store     *config.Store
	run       SessionRunner
	interval  time.Duration
	log       *slog.Logger
	accessJWT string
}

// NewDevice 创建设备循环
func NewDevice(client *api.Client, store *config.Store, run SessionRunner, log *slog.Logger) *Device {
	return &Device{
		api:      client,
		store:    store,
		run:      run,
		interval: deviceHeartbeatInterval,
		log:      log.With("component", "device"),
	}
}

// Register 注册设备，首次注册时把服务端分配的 ID 和令牌写回配置
func (d *Device) Register(ctx context.Context) (*api.RegisterDeviceResponse, error) {
	cfg := d.store.Get()
	mac := cfg.Device.MACAddress
	if mac == "" {
		mac = hardwareAddr()
	}

	resp, err := d.api.RegisterDevice(ctx, &api.RegisterDeviceRequest{
		DeviceID:    cfg.Device.ID,
		DeviceToken: cfg.Device.Token,
		DisplayName: cfg.Device.DisplayName,
		OS:          runtime.GOOS,
		Hostname:    hostname(),
		Arch:        runtime.GOARCH,
		MACAddress:  mac,
	})
	if err != nil {
		return nil, err
	}
	if resp.DeviceID != cfg.Device.ID || resp.DeviceToken != cfg.Device.Token {
		if err := d.store.SaveDevice(resp.DeviceID, resp.DeviceToken); err != nil {
			return nil, err
		}
	}
	d.accessJWT = resp.AccessToken
	d.log.Info("device registered", "device_id", resp.DeviceID, "paired", resp.Paired)
	return resp, nil
}

// Run 心跳并处理待认领会话，直到 ctx 取消
func (d *Device) Run(ctx context.Context) error {
	if _, err := d.Register(ctx); err != nil {
		return err
	}

	pending, err := d.api.CheckPending(ctx, d.store.Get().Device.ID, d.accessJWT)
	if err != nil {
		d.log.Warn("check pending failed", "error", err)
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if pending != nil {
			d.claim(ctx, pending)
			pending = nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pending, err = d.heartbeat(ctx)
		if err != nil {
			d.log.Warn("device heartbeat failed", "error", err)
		}
	}
}

// heartbeat 设备 JWT 过期或令牌被轮换时重新注册一次
func (d *Device) heartbeat(ctx context.Context) (*api.PendingClaim, error) {
	pending, err := d.api.Heartbeat(ctx, d.store.Get().Device.ID, d.accessJWT)
	if !api.IsStatus(err, http.StatusUnauthorized) && !api.IsStatus(err, http.StatusNotFound) {
		return pending, err
	}

	d.log.Info("device credentials rejected, registering again")
	if _, err := d.Register(ctx); err != nil {
		if !api.IsStatus(err, http.StatusUnauthorized) {
			return nil, err
		}
		// 令牌已失效，作为新设备重新注册
		if err := d.store.ClearDevice(); err != nil {
			return nil, err
		}
		if _, err := d.Register(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return d.api.Heartbeat(ctx, d.store.Get().Device.ID, d.accessJWT)
}

// claim 认领会话并阻塞运行到会话结束
func (d *Device) claim(ctx context.Context, pending *api.PendingClaim) {
	log := d.log.With("session_id", pending.SessionID)
	resp, err := d.api.Claim(ctx, d.store.Get().Device.ID, d.accessJWT, pending.SessionID)
	if err != nil {
		log.Warn("claim failed", "error", err)
		return
	}
	log.Info("session claimed", "decision", resp.Decision)

	if err := d.run(ctx, pending.SessionID, resp.ClientToken); err != nil && !errors.Is(err, context.Canceled) {
		log.Info("session ended", "error", err)
	}
}

// hardwareAddr 第一个已启用的非回环网卡的 MAC 地址
func hardwareAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
