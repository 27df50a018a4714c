package cli

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/nao1215/gatekeeper/internal/config"
	"github.com/nao1215/gatekeeper/internal/gateway"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
}

// runServe は設定を読み込んでゲートウェイを起動し、SIGINT/SIGTERMで停止する。
func runServe(cmd *cobra.Command, opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if !cfg.Gateway.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := gateway.NewServer(ctx, cfg.ServerOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			log.Printf("リソースの解放に失敗: %v", err)
		}
	}()

	log.Printf("Gatewayサービスを起動します: :%d (default_app=%s, apps=%d)",
		cfg.Server.Port, cfg.Gateway.DefaultApp, len(cfg.Gateway.Apps))
	return server.Run(ctx)
}
