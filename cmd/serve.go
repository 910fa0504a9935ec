package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hypeauto/internal/api"
	"github.com/xkilldash9x/hypeauto/internal/config"
	"github.com/xkilldash9x/hypeauto/internal/observability"
	"github.com/xkilldash9x/hypeauto/internal/service"
)

func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Warm the session pool and serve the redemption API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if err := applyServeFlagOverrides(cmd, cfg); err != nil {
				return err
			}
			if err := cfg.Server().CheckAuth(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, factory, observability.GetLogger(), nil)
		},
	}

	serveCmd.Flags().String("addr", "", "Listen address. (Overrides config/env)")
	serveCmd.Flags().Int("hosts", 0, "Number of Chrome hosts. (Overrides config/env)")
	serveCmd.Flags().Int("sessions-per-host", 0, "Sessions per Chrome host. (Overrides config/env)")
	serveCmd.Flags().Bool("headless", true, "Run Chrome headless. (Overrides config/env)")
	return serveCmd
}

// applyServeFlagOverrides copies explicitly set flags onto cfg.
func applyServeFlagOverrides(cmd *cobra.Command, cfg config.Interface) error {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		addr, _ := flags.GetString("addr")
		cfg.SetServerAddr(addr)
	}
	if flags.Changed("hosts") {
		n, _ := flags.GetInt("hosts")
		if n <= 0 {
			return fmt.Errorf("--hosts must be a positive integer")
		}
		cfg.SetBrowserHosts(n)
	}
	if flags.Changed("sessions-per-host") {
		n, _ := flags.GetInt("sessions-per-host")
		if n <= 0 {
			return fmt.Errorf("--sessions-per-host must be a positive integer")
		}
		cfg.SetBrowserSessionsPerHost(n)
	}
	if flags.Changed("headless") {
		headless, _ := flags.GetBool("headless")
		cfg.SetBrowserHeadless(headless)
	}
	return nil
}

// runServe builds the components, warms the pool, then serves HTTP until ctx is canceled.
// Shutdown order is HTTP server, task manager, engine, database.
func runServe(ctx context.Context, cfg config.Interface, factory service.ComponentFactory, logger *zap.Logger, onListen func(net.Addr)) error {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}

	shutdownTimeout := cfg.Server().ShutdownTimeout
	shutdownComponents := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		components.Shutdown(shutdownCtx)
	}

	if err := components.Start(ctx); err != nil {
		shutdownComponents()
		return fmt.Errorf("failed to start redemption engine: %w", err)
	}

	server := api.NewServer(cfg.Server(), components.Handler)
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		shutdownComponents()
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ln) }()
	logger.Info("HTTP server listening.", zap.String("addr", ln.Addr().String()))
	if onListen != nil {
		onListen(ln.Addr())
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, draining.")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	// The HTTP server and the components each get the full budget; slow sync handlers
	// must not eat into the task drain.
	serverCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(serverCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete.", zap.Error(err))
	}
	shutdownComponents()
	return runErr
}
