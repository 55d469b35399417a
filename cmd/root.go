package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Shugur-Network/w2nb/internal/config"
	"github.com/Shugur-Network/w2nb/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// Commands that must not read configuration. echo-host runs under a browser
// with an arbitrary working directory.
var skipConfig = map[string]bool{"version": true, "echo-host": true}

// rootCmd defines the main CLI command for w2nb
var rootCmd = &cobra.Command{
	Use:   "w2nb",
	Short: "w2nb relays web pages to native applications",
	Long: `w2nb connects web pages to native applications using the native messaging
protocol. "serve" runs the bridge that pages reach over websocket, "connect"
drives a connection from the terminal as a page would.`,
	Example: `
  w2nb serve --ws-addr :8765 --config bridge.yaml
  w2nb connect org.example.echo --bridge-url ws://localhost:8765/
  w2nb echo-host`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipConfig[cmd.Name()] {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		return applyFlagOverrides(cmd)
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// applyFlagOverrides copies explicitly set flags over the loaded config.
func applyFlagOverrides(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		lvl, _ := flags.GetString("log-level")
		if err := logger.UpdateLevel(lvl); err != nil {
			return err
		}
		cfg.Logging.Level = lvl
	}
	if flags.Changed("ws-addr") {
		cfg.Bridge.WSAddr, _ = flags.GetString("ws-addr")
	}
	if flags.Changed("metrics-port") {
		cfg.Metrics.Port, _ = flags.GetInt("metrics-port")
	}
	if flags.Changed("bridge-url") {
		cfg.Relay.BridgeURL, _ = flags.GetString("bridge-url")
	}
	if flags.Changed("codec") {
		codec, _ := flags.GetString("codec")
		cfg.Relay.Codec, cfg.Bridge.Codec = codec, codec
	}
	return nil
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		_ = logger.Shutdown()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("codec", "", "Websocket subprotocol (w2nb.json or w2nb.cbor)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of w2nb",
		Long:  "Print the version number of w2nb along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")

	rootCmd.AddCommand(versionCmd, newServeCmd(), newConnectCmd(), newEchoHostCmd())
}
