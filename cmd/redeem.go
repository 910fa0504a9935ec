package cmd

import (
	"context"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hypeauto/api/schemas"
	"github.com/xkilldash9x/hypeauto/internal/config"
	"github.com/xkilldash9x/hypeauto/internal/observability"
	"github.com/xkilldash9x/hypeauto/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// redeemEngine is the engine surface the one-shot command drives.
type redeemEngine interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context)
	RedeemPIN(ctx context.Context, pin, accountID string) schemas.Outcome
}

type engineFactory func(cfg config.Interface, logger *zap.Logger) redeemEngine

func defaultEngineFactory(cfg config.Interface, logger *zap.Logger) redeemEngine {
	return service.NewEngine(cfg, logger)
}

func newRedeemCmd(newEngine engineFactory) *cobra.Command {
	var pin, account string

	redeemCmd := &cobra.Command{
		Use:   "redeem",
		Short: "Redeem a single PIN and print the outcome as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			// One PIN needs one session.
			cfg.SetBrowserHosts(1)
			cfg.SetBrowserSessionsPerHost(1)

			logger := observability.GetLogger()
			return runRedeem(cmd.Context(), cmd.OutOrStdout(), newEngine(cfg, logger), pin, account, cfg, logger)
		},
	}

	redeemCmd.Flags().StringVar(&pin, "pin", "", "PIN to redeem")
	redeemCmd.Flags().StringVar(&account, "account", "", "Game account ID to credit")
	_ = redeemCmd.MarkFlagRequired("pin")
	_ = redeemCmd.MarkFlagRequired("account")
	return redeemCmd
}

// runRedeem prints the outcome and returns an error when the redemption did not succeed.
func runRedeem(ctx context.Context, out io.Writer, engine redeemEngine, pin, account string, cfg config.Interface, logger *zap.Logger) error {
	if err := engine.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize redemption engine: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server().ShutdownTimeout)
		defer cancel()
		engine.Shutdown(shutdownCtx)
	}()

	outcome := engine.RedeemPIN(ctx, pin, account)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return fmt.Errorf("failed to write outcome: %w", err)
	}

	if !outcome.Success {
		logger.Debug("Redemption failed.", observability.PIN(pin), zap.String("error", outcome.ErrorKind.String()))
		return fmt.Errorf("redemption failed: %s", outcome.ErrorKind)
	}
	return nil
}
