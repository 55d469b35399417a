package main

import (
	"os"

	"github.com/Shugur-Network/w2nb/internal/logger"
	"github.com/Shugur-Network/w2nb/internal/native"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newEchoHostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "echo-host [origin]",
		Short: "Run as a native messaging host that echoes every message",
		Long: `Speak the native messaging protocol on stdin and stdout and send each message
back unchanged. Useful as the path of a test application. Logs go to stderr.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, _ := cmd.Flags().GetString("log-level")
			if err := logger.Init(logger.WithLevel(lvl), logger.WithComponent("echo-host")); err != nil {
				return err
			}
			if len(args) == 1 {
				logger.Debug("Echo host started", zap.String("origin", args[0]))
			}
			return native.Echo(native.NewHostConn(os.Stdin, os.Stdout))
		},
	}
}
