// Package config 管理客户端代理的本地配置
// 配置保存在 ~/.remote-assist/agent.yaml，设备 ID 和设备令牌注册后写回
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// DefaultDir 默认配置目录
const DefaultDir = "~/.remote-assist"

const fileName = "agent.yaml"

// Config 代理配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Device   DeviceConfig   `mapstructure:"device"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Peer     PeerConfig     `mapstructure:"peer"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	URL string `mapstructure:"url"` // HTTP API 地址，WebSocket 地址由它推导
}

// DeviceConfig 设备配置
type DeviceConfig struct {
	ID          string `mapstructure:"id"`           // 服务端分配的设备 ID
	Token       string `mapstructure:"token"`        // 设备令牌，再次注册时出示
	DisplayName string `mapstructure:"display_name"` // 显示名称
	MACAddress  string `mapstructure:"mac_address"`  // 网络唤醒使用的 MAC 地址
}

// TransferConfig 文件传输配置
type TransferConfig struct {
	Dir       string `mapstructure:"dir"`        // 接收文件的目录
	ChunkSize int    `mapstructure:"chunk_size"` // 数据通道分块大小
}

// PeerConfig WebRTC 配置
type PeerConfig struct {
	ICEServers []string `mapstructure:"ice_servers"` // stun/turn 地址
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Store 配置文件读写
type Store struct {
	v    *viper.Viper
	dir  string
	path string
	cfg  Config
}

// Load 从 dir 加载配置，dir 为空时使用 DefaultDir
// 配置文件不存在时使用默认值，第一次 Save 时创建
func Load(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("解析配置目录失败: %w", err)
	}
	if err := os.MkdirAll(expanded, 0o700); err != nil {
		return nil, fmt.Errorf("创建配置目录失败: %w", err)
	}

	s := &Store{
		v:    viper.New(),
		dir:  expanded,
		path: filepath.Join(expanded, fileName),
	}
	s.v.SetConfigFile(s.path)
	s.v.SetConfigType("yaml")
	s.v.SetEnvPrefix("AGENT")
	s.v.BindEnv("server.url")

	s.v.SetDefault("server.url", "http://localhost:8080")
	s.v.SetDefault("device.display_name", hostname())
	s.v.SetDefault("transfer.dir", filepath.Join(expanded, "received"))
	s.v.SetDefault("transfer.chunk_size", 16*1024)
	s.v.SetDefault("peer.ice_servers", []string{"stun:stun.l.google.com:19302"})
	s.v.SetDefault("log.level", "info")

	if err := s.v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	if err := s.v.Unmarshal(&s.cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if recv, err := homedir.Expand(s.cfg.Transfer.Dir); err == nil {
		s.cfg.Transfer.Dir = recv
	}
	return s, nil
}

// Get 获取配置
func (s *Store) Get() *Config {
	return &s.cfg
}

// Dir 配置目录
func (s *Store) Dir() string {
	return s.dir
}

// Path 配置文件路径
func (s *Store) Path() string {
	return s.path
}

// SaveDevice 保存注册得到的设备 ID 和令牌
func (s *Store) SaveDevice(id, token string) error {
	s.v.Set("device.id", id)
	s.v.Set("device.token", token)
	s.cfg.Device.ID = id
	s.cfg.Device.Token = token
	return s.save()
}

// SetServerURL 修改服务器地址，不写回文件
func (s *Store) SetServerURL(url string) {
	s.v.Set("server.url", url)
	s.cfg.Server.URL = url
}

// ClearDevice 清除本地设备凭证
func (s *Store) ClearDevice() error {
	return s.SaveDevice("", "")
}

// IsRegistered 是否已注册过设备
func (s *Store) IsRegistered() bool {
	return s.cfg.Device.ID != "" && s.cfg.Device.Token != ""
}

func (s *Store) save() error {
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("保存配置失败: %w", err)
	}
	return os.Chmod(s.path, 0o600)
}

// hostname 获取主机名
func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
