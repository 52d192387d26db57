// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/holomush/pluginexec/internal/config"
	"github.com/holomush/pluginexec/internal/endowment"
	"github.com/holomush/pluginexec/internal/executor"
	"github.com/holomush/pluginexec/internal/logging"
	"github.com/holomush/pluginexec/internal/observability"
	"github.com/holomush/pluginexec/internal/protocol"
	"github.com/holomush/pluginexec/internal/rpcstream"
	"github.com/holomush/pluginexec/pkg/errutil"
	"github.com/holomush/pluginexec/pkg/jsonrpc"
)

const (
	serviceName     = "pluginexec"
	shutdownTimeout = 5 * time.Second
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the executor on the command stream",
		Long: `Run the executor, reading JSON-RPC commands from the command stream
(stdin/stdout unless --command-addr is set) until the stream ends or a
signal arrives. With --rpc-addr set, plugin snap.request and
ethereum.request calls are forwarded to the host over that socket.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, nil)
		},
	}

	config.RegisterFlags(cmd.Flags())

	return cmd
}

// runServeWithDeps runs the executor until the command stream ends. A nil
// deps uses the defaults.
func runServeWithDeps(ctx context.Context, cfg *config.Config, deps *ServeDeps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.Stdin == nil {
		deps.Stdin = os.Stdin
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Dial == nil {
		deps.Dial = rpcstream.Dial
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker, extra ...prometheus.Collector) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker, extra...)
		}
	}

	logger := logging.Setup(serviceName, version, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level), deps.Stderr)
	slog.SetDefault(logger)
	observability.SetBuildInfo(version)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmdIn, cmdOut := deps.Stdin, deps.Stdout
	if cfg.Command.Address != "" {
		conn, err := deps.Dial(ctx, dialConfig(cfg, cfg.Command.Address))
		if err != nil {
			return oops.In("serve").With("address", cfg.Command.Address).Hint("connecting command stream").Wrap(err)
		}
		defer closeQuietly(logger, "command stream", conn)
		cmdIn, cmdOut = conn, conn
	}

	var (
		outbound executor.Outbound
		client   *rpcstream.Client
	)
	if cfg.RPC.Address != "" {
		conn, err := deps.Dial(ctx, dialConfig(cfg, cfg.RPC.Address))
		if err != nil {
			return oops.In("serve").With("address", cfg.RPC.Address).Hint("connecting rpc stream").Wrap(err)
		}
		defer closeQuietly(logger, "rpc stream", conn)
		client = rpcstream.NewClient(conn, conn, rpcstream.ClientConfig{Logger: logger})
		outbound = client
	} else {
		logger.Warn("no rpc stream configured, snap.request and ethereum.request will fail")
	}

	writer := jsonrpc.NewWriter(cmdOut)
	notes := protocol.NewNotifications(writer, protocol.NotificationConfig{
		Buffer: cfg.Notifications.Buffer,
		Logger: logger,
	})

	ecfg, err := cfg.Endowments()
	if err != nil {
		return err
	}
	registry, err := endowment.NewRegistry(endowment.WithBuiltins(ecfg))
	if err != nil {
		return oops.In("serve").Hint("building endowments").Wrap(err)
	}
	exec, err := executor.New(executor.Options{
		Registry:         registry,
		Outbound:         outbound,
		Logger:           logger,
		Notifier:         notes,
		OnUnhandled:      notes.Unhandled,
		MaxCallStackSize: cfg.Limits.MaxCallStack,
	})
	if err != nil {
		return err
	}
	handler := protocol.NewHandler(exec, writer, protocol.Config{
		Logger:           logger,
		MaxResponseBytes: cfg.Limits.MaxResponseBytes,
		Notifications:    notes,
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var ready atomic.Bool
	var obsServer ObservabilityServer
	if cfg.Metrics.Address != "" {
		collectors := append(executor.Collectors(), protocol.Collectors()...)
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Address, ready.Load, collectors...)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.In("serve").With("address", cfg.Metrics.Address).Hint("starting observability server").Wrap(err)
		}
		go monitorServerErrors(runCtx, cancelRun, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	// Notifications outlive the handler so the last ones are flushed.
	notesCtx, stopNotes := context.WithCancel(context.WithoutCancel(ctx))
	notesDone := make(chan struct{})
	go func() {
		defer close(notesDone)
		notes.Run(notesCtx)
	}()

	g, gctx := errgroup.WithContext(runCtx)
	if client != nil {
		g.Go(func() error {
			if err := client.Serve(gctx); err != nil && !errors.Is(err, context.Canceled) {
				errutil.LogError(logger, "rpc stream ended", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancelRun()
		serveErr := handler.Serve(gctx, cmdIn)
		if err := exec.TerminateAll(context.WithoutCancel(gctx)); err != nil {
			errutil.LogError(logger, "terminating plugins", err)
		}
		return serveErr
	})

	ready.Store(true)
	logger.Info("executor ready", "version", version)

	runErr := g.Wait()
	ready.Store(false)

	stopNotes()
	<-notesDone
	if client != nil {
		client.Close()
	}

	if obsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	if runErr != nil {
		return oops.In("serve").Hint("command stream").Wrap(runErr)
	}
	logger.Info("shutdown complete")
	return nil
}

func dialConfig(cfg *config.Config, addr string) rpcstream.DialConfig {
	return rpcstream.DialConfig{
		Address:  addr,
		Attempts: cfg.RPC.DialAttempts,
		Backoff:  cfg.RPC.DialBackoff,
	}
}

func closeQuietly(logger *slog.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Debug("close failed", "stream", what, "error", err)
	}
}

// monitorServerErrors cancels the run when the server fails. It exits when
// an error is received, the channel is closed, or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
