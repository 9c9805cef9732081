// Package main is the entry point for hardshare-gateway, which maps
// fixed HTTP requests to local commands and serves their stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hardshare/hardshare/internal/gateway"
	"github.com/hardshare/hardshare/pkg/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8889", "listen address")
		rulesPath  = flag.String("rules", "", "YAML rule file (required)")
		logLevel   = flag.String("log-level", "info", "log level")
		logFormat  = flag.String("log-format", "json", "log format (json, console)")
	)
	flag.Parse()

	if *rulesPath == "" {
		flag.Usage()
		return fmt.Errorf("-rules is required")
	}

	logger := log.New(*logLevel, *logFormat)

	cfg, err := gateway.LoadConfig(*rulesPath)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", *listenAddr, err)
	}

	logger.Info().
		Str("listen", *listenAddr).
		Str("rules", *rulesPath).
		Msg("starting command gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return gateway.NewGateway(cfg, logger).Serve(ctx, ln)
}
