// Package main is the entry point for hardshare-filter, the inline
// HTTP request filter a deployment image chains in front of a
// tenant-visible service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hardshare/hardshare/internal/filter"
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
		listenAddr = flag.String("listen", "127.0.0.1:8888", "listen address")
		upstream   = flag.String("upstream", "", "upstream host:port (required)")
		rulesPath  = flag.String("rules", "", "YAML rule file (required)")
		logLevel   = flag.String("log-level", "info", "log level")
		logFormat  = flag.String("log-format", "json", "log format (json, console)")
	)
	flag.Parse()

	if *upstream == "" || *rulesPath == "" {
		flag.Usage()
		return fmt.Errorf("both -upstream and -rules are required")
	}

	logger := log.New(*logLevel, *logFormat)

	cfg, err := filter.LoadConfig(*rulesPath)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", *listenAddr, err)
	}

	logger.Info().
		Str("listen", *listenAddr).
		Str("upstream", *upstream).
		Str("rules", *rulesPath).
		Msg("starting filter")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return filter.NewProxy(*upstream, cfg, logger).Serve(ctx, ln)
}
