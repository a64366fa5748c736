// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/JoshCap20/rhoxy/pkg/config"
	"github.com/JoshCap20/rhoxy/pkg/guard"
	"github.com/JoshCap20/rhoxy/pkg/metrics"
	"github.com/JoshCap20/rhoxy/pkg/proxy"
	"github.com/JoshCap20/rhoxy/pkg/server"
)

// version is stamped by the build; the default marks source builds.
var version = "dev"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var (
		host    string
		port    uint16
		verbose bool
	)

	root := &cobra.Command{
		Use:           "rhoxy",
		Short:         "Forward HTTP/HTTPS proxy with SSRF protection",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = int(port)
			}

			level, err := zerolog.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
			}
			if verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = log.Level(level)

			return run(cfg)
		},
	}

	root.Flags().StringVar(&host, "host", "127.0.0.1", "address to listen on")
	root.Flags().Uint16VarP(&port, "port", "p", 8080, "port to listen on")
	root.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	root.SetVersionTemplate("rhoxy {{.Version}}\n")
	root.Flags().BoolP("version", "V", false, "print version and exit")

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("rhoxy exited")
		os.Exit(1)
	}
}

// run binds the listener and serves until a termination signal drains the
// process. Bind failures surface as errors so the CLI exits non-zero.
func run(cfg config.Config) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.ListenAddr(), err)
	}

	m := metrics.New()
	g := guard.New(net.DefaultResolver)
	handler := proxy.NewHandler(cfg, g, m, log.Logger)
	srv := server.New(cfg, handler, m, log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("listen_addr", ln.Addr().String()).
		Str("version", version).
		Msg("starting rhoxy")

	if err := srv.Serve(ctx, ln); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	log.Info().Msg("rhoxy stopped")
	return nil
}
