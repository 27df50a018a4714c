// Package cli はゲートウェイのコマンドラインインターフェースを提供する。
package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version はビルド時に埋め込むバージョン。
var Version = "dev"

// defaultConfigPath は--config未指定時に読む設定ファイル。
const defaultConfigPath = "gateway.yaml"

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

// options は全サブコマンドで共有するフラグ。
type options struct {
	configPath string
}

// NewRootCommand はルートコマンドを生成する。サブコマンド未指定時はserveとして動作する。
func NewRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Multi-app routing and authentication gateway",
		Long:          "gateway routes requests for several independently deployed apps behind one host, enforcing each app's cookie-based login policy.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Configuration file (.yaml, .yml or .toml)")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newRouteCommand(opts))
	return rootCmd
}

// Execute はルートコマンドを実行し、失敗した場合は終了コード1で終了する。
func Execute() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		errColor.Fprintf(os.Stderr, "Error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
