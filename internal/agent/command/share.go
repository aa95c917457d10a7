package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"remote-assist/internal/agent/api"
	"remote-assist/internal/agent/runner"
)

var (
	shareFiles    []string
	shareMonitors []string
)

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "生成会话码，等待技术员接入",
	Long: `向服务器登记一个有人值守的会话并显示会话码。

把会话码告诉技术员，技术员接入时会在本终端询问是否允许。
--file 指定的文件会在批准后发送给技术员。`,
	RunE: runShare,
}

func init() {
	shareCmd.Flags().StringArrayVarP(&shareFiles, "file", "f", nil, "批准后发送给技术员的文件，可重复")
	shareCmd.Flags().StringArrayVar(&shareMonitors, "monitor", nil, "显示器分辨率，如 1920x1080，可重复，第一个为主显示器")
	rootCmd.AddCommand(shareCmd)
}

func runShare(cmd *cobra.Command, args []string) error {
	monitors, err := parseMonitors(shareMonitors)
	if err != nil {
		return err
	}
	e, err := loadEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resp, err := e.api.RegisterSession(ctx, &api.RegisterSessionRequest{
		ClientInfo: map[string]interface{}{
			"os":       runtime.GOOS,
			"arch":     runtime.GOARCH,
			"hostname": e.store.Get().Device.DisplayName,
		},
	})
	if err != nil {
		return fmt.Errorf("登记会话失败: %w", err)
	}

	code := resp.Session.SessionID
	fmt.Println()
	fmt.Printf("  会话码: %s\n", code)
	fmt.Println()
	fmt.Println("把会话码告诉技术员，按 Ctrl+C 结束")

	opts := e.sessionOptions(code, resp.ClientToken)
	opts.Monitors = monitors
	opts.Share = shareFiles
	s, err := runner.NewSession(opts, e.log)
	if err != nil {
		return err
	}

	err = s.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, runner.ErrSessionGone):
		fmt.Println("会话已结束")
		return nil
	default:
		return err
	}
}

// parseMonitors 解析 WIDTHxHEIGHT 列表
func parseMonitors(args []string) ([]api.Monitor, error) {
	monitors := make([]api.Monitor, 0, len(args))
	for i, arg := range args {
		w, h, ok := strings.Cut(strings.ToLower(arg), "x")
		width, errW := strconv.Atoi(w)
		height, errH := strconv.Atoi(h)
		if !ok || errW != nil || errH != nil || width <= 0 || height <= 0 {
			return nil, fmt.Errorf("无效的显示器参数 %q，格式应为 1920x1080", arg)
		}
		orientation := "landscape"
		if height > width {
			orientation = "portrait"
		}
		monitors = append(monitors, api.Monitor{
			MonitorIndex: i,
			Width:        width,
			Height:       height,
			Orientation:  orientation,
			IsPrimary:    i == 0,
			IsActive:     i == 0,
		})
	}
	return monitors, nil
}
