// Command securechat-server runs the chat connection engine.
//
// Exit codes: 0 on clean shutdown, 1 for configuration or bind failures,
// 2 for fatal runtime failures.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"securechat/internal/config"
	"securechat/internal/pprofutil"
	"securechat/internal/server"
)

const version = "1.0.0"

var banner = strings.TrimLeft(`
   ____                           ____ _           _
  / ___|  ___  ___ _   _ _ __ ___ / ___| |__   __ _| |_
  \___ \ / _ \/ __| | | | '__/ _ \ |   | '_ \ / _' | __|
   ___) |  __/ (__| |_| | | |  __/ |___| | | | (_| | |_
  |____/ \___|\___|\__,_|_|  \___|\____|_| |_|\__,_|\__|
`, "\n")

func main() {
	var (
		configPath string
		listenAddr string
		listenPort uint16
		logLevel   string
	)

	root := &cobra.Command{
		Use:     "securechat-server",
		Short:   "Secure real-time chat server",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "config: %v\n", err)
				os.Exit(1)
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen.Address = listenAddr
			}
			if cmd.Flags().Changed("port") {
				cfg.Listen.Port = listenPort
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "config: %v\n", err)
				os.Exit(1)
			}

			log := newLogger(cfg.Log.Level)
			fmt.Print(banner)
			log.Info("starting securechat-server", "version", version)
			if err := pprofutil.StartFromEnv(os.Stderr); err != nil {
				log.Warn("pprof disabled", "err", err)
			}

			srv, err := server.New(cfg, nil, log)
			if err != nil {
				fmt.Fprintf(os.Stderr, "init: %v\n", err)
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Run(ctx); err != nil {
				log.Error("fatal", "err", err)
				if isStartupError(err) {
					os.Exit(1)
				}
				os.Exit(2)
			}
			return nil
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "configuration file path")
	root.Flags().StringVar(&listenAddr, "listen", "127.0.0.1", "bind address")
	root.Flags().Uint16VarP(&listenPort, "port", "p", 8080, "bind port")
	root.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug|info|warn|error)")
	root.SilenceUsage = true

	if err := root.Execute(); err != nil {
		os.Exit(2)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func isStartupError(err error) bool {
	return strings.Contains(err.Error(), "bind")
}
