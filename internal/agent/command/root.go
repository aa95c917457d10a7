// Package command 实现代理的命令行
package command

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"remote-assist/internal/agent/api"
	agentconfig "remote-assist/internal/agent/config"
	"remote-assist/internal/agent/runner"
	"remote-assist/internal/config"
	"remote-assist/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "remote-assist-agent",
	Short: "远程协助客户端代理",
	Long: `远程协助客户端代理

在被协助的电脑上运行：
- run    常驻运行，接受已配对技术员发起的会话
- share  生成一次性会话码，交给技术员接入
- pair   把本机配对给技术员账号
- status 查看本地配置`,
	SilenceUsage: true,
}

// 全局参数
var (
	configDir string
	serverURL string
	logLevel  string
)

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", agentconfig.DefaultDir, "配置目录")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "服务器地址 (默认: http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别: debug/info/warn/error")
}

// env 命令运行所需的公共依赖
type env struct {
	store *agentconfig.Store
	api   *api.Client
	log   *slog.Logger
}

func loadEnv() (*env, error) {
	store, err := agentconfig.Load(configDir)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		store.SetServerURL(serverURL)
	}
	cfg := store.Get()
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	log := logger.NewWithWriter(config.LogConfig{Level: level, Format: "text"}, os.Stderr)
	return &env{
		store: store,
		api:   api.NewClient(cfg.Server.URL),
		log:   log,
	}, nil
}

// sessionOptions 由本地配置生成会话参数
func (e *env) sessionOptions(sessionID, clientToken string) runner.SessionOptions {
	cfg := e.store.Get()
	return runner.SessionOptions{
		API:         e.api,
		SessionID:   sessionID,
		ClientToken: clientToken,
		Fs:          afero.NewOsFs(),
		ReceiveDir:  cfg.Transfer.Dir,
		ChunkSize:   cfg.Transfer.ChunkSize,
		ICEServers:  cfg.Peer.ICEServers,
		Prompter:    runner.TerminalPrompter{In: os.Stdin, Out: os.Stdout},
	}
}

// prompt 读取一行输入
func prompt(reader *bufio.Reader, label string) string {
	fmt.Print(label)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
