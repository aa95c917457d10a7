package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "显示本地配置",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	cfg := e.store.Get()

	fmt.Printf("配置文件: %s\n", e.store.Path())
	fmt.Printf("服务器:   %s\n", cfg.Server.URL)
	fmt.Printf("显示名称: %s\n", cfg.Device.DisplayName)
	if e.store.IsRegistered() {
		fmt.Printf("设备 ID:  %s\n", cfg.Device.ID)
	} else {
		fmt.Println("设备 ID:  未注册（运行 'pair' 或 'run' 完成注册）")
	}
	if cfg.Device.MACAddress != "" {
		fmt.Printf("MAC 地址: %s\n", cfg.Device.MACAddress)
	}
	fmt.Printf("接收目录: %s\n", cfg.Transfer.Dir)
	return nil
}
