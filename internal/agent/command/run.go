package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"remote-assist/internal/agent/runner"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "常驻运行，接受技术员发起的会话",
	Long: `注册本机并保持心跳。

已配对的技术员可以随时发起会话：设备允许无人值守时自动接入，
否则在本终端询问是否允许。`,
	RunE: runDevice,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDevice(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	device := runner.NewDevice(e.api, e.store, func(ctx context.Context, sessionID, clientToken string) error {
		fmt.Printf("技术员接入会话 %s\n", sessionID)
		s, err := runner.NewSession(e.sessionOptions(sessionID, clientToken), e.log)
		if err != nil {
			return err
		}
		return s.Run(ctx)
	}, e.log)

	fmt.Printf("代理已启动，服务器: %s\n", e.store.Get().Server.URL)
	if err := device.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("代理已退出")
	return nil
}
