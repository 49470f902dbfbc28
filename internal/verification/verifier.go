// Package verification audits market escrow: it recomputes what each vault
// should hold from the market's participants and compares that with the
// ledger and, optionally, with on-chain lamports.
package verification

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"predict-duel/internal/domain"
	"predict-duel/internal/observability"
	"predict-duel/internal/settlement"
	"predict-duel/internal/solana"
)

// FieldDivergence represents a mismatch between expected and actual values.
type FieldDivergence struct {
	Field    string      // field name
	Expected interface{} // recomputed value
	Actual   interface{} // stored or observed value
}

// MarketResult contains the result of verifying a single market.
type MarketResult struct {
	Market        domain.MarketKey
	Vault         domain.Address
	Status        domain.MarketStatus
	Match         bool              // true if no divergences
	Divergences   []FieldDivergence // list of divergent fields
	ExpectedVault uint64            // lamports the vault should hold
	LedgerVault   uint64            // lamports the ledger says it holds
	OnChainVault  *uint64           // nil when no RPC client is configured
}

// Report contains results for batch verification.
type Report struct {
	Slot             uint64 // slot the on-chain balances were read at, 0 offline
	TotalMarkets     int
	MatchedMarkets   int
	DivergentMarkets int
	Results          []MarketResult
}

// Ledger is the read side of the settlement engine.
type Ledger interface {
	ListParticipants(ctx context.Context, key domain.MarketKey) ([]*domain.Participant, error)
	VaultBalance(ctx context.Context, key domain.MarketKey) (uint64, error)
}

// Verifier checks market accounting against the ledger and the chain.
type Verifier struct {
	ledger  Ledger
	rpc     solana.RPCClient
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewVerifier creates a Verifier. rpc and metrics may be nil.
func NewVerifier(ledger Ledger, rpc solana.RPCClient, metrics *observability.Metrics, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{ledger: ledger, rpc: rpc, metrics: metrics, logger: logger}
}

// CheckMarket compares a market's aggregate fields with its participants.
func CheckMarket(m *domain.Market, participants []*domain.Participant) []FieldDivergence {
	var divergences []FieldDivergence

	if m.YesPool > ^uint64(0)-m.NoPool || m.PoolSize != m.YesPool+m.NoPool {
		divergences = append(divergences, FieldDivergence{
			Field:    "PoolSize",
			Expected: fmt.Sprintf("%d+%d", m.YesPool, m.NoPool),
			Actual:   m.PoolSize,
		})
	}

	if int(m.TotalParticipants) != len(participants) {
		divergences = append(divergences, FieldDivergence{
			Field:    "TotalParticipants",
			Expected: len(participants),
			Actual:   m.TotalParticipants,
		})
	}

	var (
		yes, no                 uint64
		yesOverflow, noOverflow bool
	)
	for _, p := range participants {
		if p.Prediction {
			if p.Stake > ^uint64(0)-yes {
				yesOverflow = true
			}
			yes += p.Stake
		} else {
			if p.Stake > ^uint64(0)-no {
				noOverflow = true
			}
			no += p.Stake
		}
	}
	if yesOverflow {
		divergences = append(divergences, FieldDivergence{Field: "YesPool", Expected: "stake sum overflows uint64", Actual: m.YesPool})
	} else if yes != m.YesPool {
		divergences = append(divergences, FieldDivergence{Field: "YesPool", Expected: yes, Actual: m.YesPool})
	}
	if noOverflow {
		divergences = append(divergences, FieldDivergence{Field: "NoPool", Expected: "stake sum overflows uint64", Actual: m.NoPool})
	} else if no != m.NoPool {
		divergences = append(divergences, FieldDivergence{Field: "NoPool", Expected: no, Actual: m.NoPool})
	}

	if (m.Status == domain.MarketStatusResolved) != (m.Outcome != nil) {
		divergences = append(divergences, FieldDivergence{
			Field:    "Outcome",
			Expected: m.Status == domain.MarketStatusResolved,
			Actual:   m.Outcome != nil,
		})
	}

	return divergences
}

// ExpectedVault returns what the vault should hold: the pool minus every
// payout or refund already made.
func ExpectedVault(m *domain.Market, participants []*domain.Participant) (uint64, error) {
	var paid uint64
	for _, p := range participants {
		if !p.Claimed {
			continue
		}
		if !m.Status.IsTerminal() {
			return 0, fmt.Errorf("participant %s claimed before settlement", p.Bettor)
		}

		var amount uint64
		switch m.Status {
		case domain.MarketStatusCancelled:
			amount = p.Stake
		case domain.MarketStatusResolved:
			if m.Outcome == nil || p.Prediction != *m.Outcome {
				return 0, fmt.Errorf("participant %s claimed on the losing side", p.Bettor)
			}
			var err error
			amount, err = settlement.CalculatePayout(p.Stake, m.PoolSize, m.WinningPool(*m.Outcome))
			if err != nil {
				return 0, fmt.Errorf("payout of %s: %w", p.Bettor, err)
			}
		}

		paid += amount
		if paid > m.PoolSize {
			return 0, fmt.Errorf("payouts exceed pool size %d", m.PoolSize)
		}
	}
	return m.PoolSize - paid, nil
}

// VerifyAll verifies every market. Markets are checked against the ledger;
// when an RPC client is configured, vaults are also checked on chain and the
// drift is exported as a metric.
func (v *Verifier) VerifyAll(ctx context.Context, markets []*domain.Market) (*Report, error) {
	report := &Report{TotalMarkets: len(markets)}

	var onChain []*solana.AccountInfo
	if v.rpc != nil && len(markets) > 0 {
		vaults := make([]domain.Address, len(markets))
		for i, m := range markets {
			vaults[i] = m.Vault
		}
		slot, err := v.rpc.GetSlot(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch slot: %w", err)
		}
		report.Slot = slot
		onChain, err = v.rpc.GetMultipleAccounts(ctx, vaults)
		if err != nil {
			return nil, fmt.Errorf("fetch vault accounts: %w", err)
		}
	}

	for i, m := range markets {
		result, err := v.verifyMarket(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", m.Key(), err)
		}

		if onChain != nil {
			var lamports uint64
			if onChain[i] != nil {
				lamports = onChain[i].Lamports
			}
			result.OnChainVault = &lamports
			if lamports != result.LedgerVault {
				result.Divergences = append(result.Divergences, FieldDivergence{
					Field:    "OnChainVault",
					Expected: result.LedgerVault,
					Actual:   lamports,
				})
			}
			v.metrics.SetVaultDrift(m.Vault.String(), float64(lamports)-float64(result.LedgerVault))
		}

		result.Match = len(result.Divergences) == 0
		if result.Match {
			report.MatchedMarkets++
		} else {
			report.DivergentMarkets++
			v.logger.Warn("vault-divergence",
				zap.String("market", m.Key().String()),
				zap.String("vault", m.Vault.String()),
				zap.Int("divergences", len(result.Divergences)),
			)
		}
		report.Results = append(report.Results, *result)
	}

	return report, nil
}

func (v *Verifier) verifyMarket(ctx context.Context, m *domain.Market) (*MarketResult, error) {
	key := m.Key()
	participants, err := v.ledger.ListParticipants(ctx, key)
	if err != nil {
		return nil, err
	}
	ledgerVault, err := v.ledger.VaultBalance(ctx, key)
	if err != nil {
		return nil, err
	}

	result := &MarketResult{
		Market:      key,
		Vault:       m.Vault,
		Status:      m.Status,
		LedgerVault: ledgerVault,
		Divergences: CheckMarket(m, participants),
	}

	expected, err := ExpectedVault(m, participants)
	if err != nil {
		result.Divergences = append(result.Divergences, FieldDivergence{
			Field:    "Claims",
			Expected: "consistent with status",
			Actual:   err.Error(),
		})
		return result, nil
	}
	result.ExpectedVault = expected
	if expected != ledgerVault {
		result.Divergences = append(result.Divergences, FieldDivergence{
			Field:    "LedgerVault",
			Expected: expected,
			Actual:   ledgerVault,
		})
	}
	return result, nil
}
