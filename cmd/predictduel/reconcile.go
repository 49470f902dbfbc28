package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"predict-duel/internal/domain"
	"predict-duel/internal/observability"
	"predict-duel/internal/solana"
	"predict-duel/internal/verification"
)

//nolint:gochecknoglobals // Cobra boilerplate
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Audit market escrow against the ledger and the chain",
	Long: `Recomputes what every vault of the given creators should hold,
compares it with the ledger, and (unless --offline) compares the ledger with
on-chain lamports fetched over Solana RPC. Exits non-zero on any divergence.`,
	RunE: runReconcile,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().StringSlice("creator", nil, "Creators whose markets to audit (base58, repeatable)")
	reconcileCmd.Flags().Bool("offline", false, "Skip the on-chain comparison")
	_ = reconcileCmd.MarkFlagRequired("creator")
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	creators, _ := cmd.Flags().GetStringSlice("creator")
	offline, _ := cmd.Flags().GetBool("offline")
	ctx := cmd.Context()

	var cl cleanups
	defer cl.run()

	metrics := observability.NewMetrics("", nil)
	deps, err := buildEngine(ctx, cfg, metrics, logger, &cl)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	var markets []*domain.Market
	for _, s := range creators {
		creator, err := domain.ParseAddress(s)
		if err != nil {
			return fmt.Errorf("creator: %w", err)
		}
		ms, err := deps.engine.ListMarkets(ctx, creator)
		if err != nil {
			return err
		}
		markets = append(markets, ms...)
	}

	var rpc solana.RPCClient
	if !offline {
		rpc = solana.NewHTTPClient(cfg.Solana.RPCURL)
	}

	report, err := verification.NewVerifier(deps.engine, rpc, metrics, logger).VerifyAll(ctx, markets)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if report.Slot > 0 {
		fmt.Fprintf(out, "slot: %d\n", report.Slot)
	}
	for _, r := range report.Results {
		status := "ok"
		if !r.Match {
			status = "DIVERGENT"
		}
		fmt.Fprintf(out, "%-10s %s vault=%s expected=%s ledger=%s",
			status, r.Market, r.Vault, domain.FormatSOL(r.ExpectedVault), domain.FormatSOL(r.LedgerVault))
		if r.OnChainVault != nil {
			fmt.Fprintf(out, " chain=%s", domain.FormatSOL(*r.OnChainVault))
		}
		fmt.Fprintln(out)
		for _, d := range r.Divergences {
			fmt.Fprintf(out, "    %s: expected %v, got %v\n", d.Field, d.Expected, d.Actual)
		}
	}

	logger.Info("reconcile-complete",
		zap.Uint64("slot", report.Slot),
		zap.Int("markets", report.TotalMarkets),
		zap.Int("matched", report.MatchedMarkets),
		zap.Int("divergent", report.DivergentMarkets),
	)

	if report.DivergentMarkets > 0 {
		return fmt.Errorf("%d of %d markets diverge", report.DivergentMarkets, report.TotalMarkets)
	}
	return nil
}
