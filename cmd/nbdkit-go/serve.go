package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lfany/nbdkit-go/internal/logger"
	"github.com/lfany/nbdkit-go/internal/nbdproto/wire"
	"github.com/lfany/nbdkit-go/pkg/adapter/nbd"
	"github.com/lfany/nbdkit-go/pkg/backend/memory"
	"github.com/lfany/nbdkit-go/pkg/metrics"
	promnbd "github.com/lfany/nbdkit-go/pkg/metrics/prometheus"
)

// serveFlags holds the CLI surface for the serve command. This binary is a
// single standalone server with no control plane, so flags bound straight
// to a validated struct are enough; there's no need for a layered
// file/env/flag configuration system.
type serveFlags struct {
	bindAddress string
	port        int
	exportName  string
	exportSize  int64
	readOnly    bool
	newstyle    bool
	tlsPolicy   string
	tlsCert     string
	tlsKey      string
	maxConns    int
	shutdownS   int
	logLevel    string
	logFormat   string
	metricsAddr string
}

type config struct {
	BindAddress     string `validate:"required"`
	Port            int    `validate:"required,gt=0,lt=65536"`
	ExportName      string `validate:"required"`
	ExportSize      int64  `validate:"required,gt=0"`
	ShutdownTimeout time.Duration
}

func newRootCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "nbdkit-go",
		Short: "A Go NBD server exporting an in-memory disk",
		Long: `nbdkit-go runs the NBD connection core against a single export,
negotiating the fixed-newstyle handshake (or legacy old-style), optionally
upgrading the connection to TLS in-band, and serving READ/WRITE/FLUSH/TRIM/
WRITE_ZEROES against a pluggable Backend.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.bindAddress, "bind", "0.0.0.0", "address to bind to")
	cmd.Flags().IntVar(&flags.port, "port", 10809, "port to listen on (10809 is the IANA-assigned NBD port)")
	cmd.Flags().StringVar(&flags.exportName, "export-name", "disk0", "name of the single export advertised to clients")
	cmd.Flags().Int64Var(&flags.exportSize, "export-size", 1<<30, "size in bytes of the in-memory export")
	cmd.Flags().BoolVar(&flags.readOnly, "readonly", false, "force the export read-only")
	cmd.Flags().BoolVar(&flags.newstyle, "newstyle", true, "use the fixed-newstyle handshake instead of old-style")
	cmd.Flags().StringVar(&flags.tlsPolicy, "tls", "off", "TLS policy: off, on, or required")
	cmd.Flags().StringVar(&flags.tlsCert, "tls-cert", "", "PEM certificate file (required when --tls is on or required)")
	cmd.Flags().StringVar(&flags.tlsKey, "tls-key", "", "PEM private key file (required when --tls is on or required)")
	cmd.Flags().IntVar(&flags.maxConns, "max-connections", 0, "maximum concurrent connections (0 = unlimited)")
	cmd.Flags().IntVar(&flags.shutdownS, "shutdown-timeout", 10, "seconds to wait for in-flight connections during shutdown")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "INFO", "log level: DEBUG, INFO, WARN, ERROR")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "text", "log format: text or json")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables metrics)")

	return cmd
}

func runServe(ctx context.Context, flags *serveFlags) error {
	if err := logger.Init(logger.Config{Level: flags.logLevel, Format: flags.logFormat, Output: "stdout"}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	cfg := config{
		BindAddress:     flags.bindAddress,
		Port:            flags.port,
		ExportName:      flags.exportName,
		ExportSize:      flags.exportSize,
		ShutdownTimeout: time.Duration(flags.shutdownS) * time.Second,
	}
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tlsPolicy, tlsConfig, err := resolveTLS(flags)
	if err != nil {
		return err
	}

	var m metrics.NBDMetrics
	if flags.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics.InitRegistry(reg)
		m = promnbd.NewNBDMetrics()
		go serveMetrics(flags.metricsAddr, reg)
	}

	be := memory.New(cfg.ExportSize, false)

	adapterCfg := nbd.Config{
		BindAddress:     cfg.BindAddress,
		Port:            cfg.Port,
		MaxConnections:  flags.maxConns,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Newstyle:        flags.newstyle,
		ReadOnly:        flags.readOnly,
		TLSPolicy:       tlsPolicy,
		TLSConfig:       tlsConfig,
		ExportName:      cfg.ExportName,
	}
	server, err := nbd.NewAdapter(adapterCfg, be, m)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	logger.Info("nbdkit-go starting",
		"bind", cfg.BindAddress, "port", cfg.Port, "export", cfg.ExportName, "size", cfg.ExportSize)

	return server.Serve(runCtx)
}

func resolveTLS(flags *serveFlags) (wire.TLSPolicy, *tls.Config, error) {
	var policy wire.TLSPolicy
	switch flags.tlsPolicy {
	case "off":
		policy = wire.TLSOff
	case "on":
		policy = wire.TLSOn
	case "required":
		policy = wire.TLSRequired
	default:
		return 0, nil, fmt.Errorf("invalid --tls value %q: must be off, on, or required", flags.tlsPolicy)
	}

	if policy == wire.TLSOff {
		return policy, nil, nil
	}
	if flags.tlsCert == "" || flags.tlsKey == "" {
		return 0, nil, fmt.Errorf("--tls-cert and --tls-key are required when --tls is %q", flags.tlsPolicy)
	}
	cert, err := tls.LoadX509KeyPair(flags.tlsCert, flags.tlsKey)
	if err != nil {
		return 0, nil, fmt.Errorf("load TLS keypair: %w", err)
	}
	return policy, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("metrics server listening", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", "error", err)
	}
}
