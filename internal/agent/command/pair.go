package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"remote-assist/internal/agent/runner"
)

var pairUnattended bool

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "把本机配对给技术员",
	Long: `使用技术员账号登录并把本机配对到该账号。

配对后技术员可以在设备列表中看到本机，并通过 'run' 常驻的代理发起会话。
--unattended 允许技术员无需本地确认直接接入。`,
	RunE: runPair,
}

func init() {
	pairCmd.Flags().BoolVar(&pairUnattended, "unattended", false, "允许无人值守接入")
	rootCmd.AddCommand(pairCmd)
}

func runPair(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)
	username := prompt(reader, "技术员用户名: ")
	if username == "" {
		return errors.New("用户名不能为空")
	}

	// 输入密码（隐藏输入）
	fmt.Print("密码: ")
	passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("读取密码失败: %w", err)
	}
	password := strings.TrimSpace(string(passwordBytes))
	if password == "" {
		return errors.New("密码不能为空")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	login, err := e.api.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("登录失败: %w", err)
	}

	device := runner.NewDevice(e.api, e.store, nil, e.log)
	reg, err := device.Register(ctx)
	if err != nil {
		return fmt.Errorf("注册设备失败: %w", err)
	}

	if err := e.api.PairDevice(ctx, login.AccessToken, reg.DeviceID); err != nil {
		return fmt.Errorf("配对失败: %w", err)
	}
	if err := e.api.SetUnattended(ctx, login.AccessToken, reg.DeviceID, pairUnattended); err != nil {
		return fmt.Errorf("设置无人值守失败: %w", err)
	}

	fmt.Printf("✓ 设备 %s 已配对给 %s\n", reg.DeviceID, username)
	if pairUnattended {
		fmt.Println("  已允许无人值守接入")
	}
	fmt.Println("  运行 'remote-assist-agent run' 保持在线")
	return nil
}
