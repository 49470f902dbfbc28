package verification

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predict-duel/internal/domain"
	"predict-duel/internal/observability"
	"predict-duel/internal/settlement"
	"predict-duel/internal/solana/stub"
	"predict-duel/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func addr(b byte) domain.Address {
	var a domain.Address
	for i := range a {
		a[i] = b
	}
	return a
}

var (
	creator = addr(1)
	alice   = addr(2)
	bob     = addr(3)
	carol   = addr(4)
)

const startUnix = 1_700_000_000

// settledMarket builds a resolved market where alice has claimed:
// alice 20M YES, bob 10M YES, carol 15M NO, outcome YES.
func settledMarket(t *testing.T) (*settlement.Engine, *domain.Market) {
	t.Helper()
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(startUnix, 0)}
	store := memory.NewSettlementStore()
	engine := settlement.New(settlement.Options{Store: store, ProgramID: addr(0xAA), Clock: clock})

	for _, a := range []domain.Address{alice, bob, carol} {
		require.NoError(t, store.Deposit(ctx, a, 1_000_000_000))
	}

	m, err := engine.CreateMarket(ctx, settlement.CreateMarketParams{
		Creator: creator, Question: "q", Category: domain.CategorySports,
		MarketType: domain.MarketTypeChallenge, StakeAmount: settlement.DefaultMinStake,
		Deadline: startUnix + 100,
	})
	require.NoError(t, err)

	_, err = engine.PlaceBet(ctx, m.Key(), alice, true, 20_000_000)
	require.NoError(t, err)
	_, err = engine.PlaceBet(ctx, m.Key(), bob, true, 10_000_000)
	require.NoError(t, err)
	_, err = engine.PlaceBet(ctx, m.Key(), carol, false, 15_000_000)
	require.NoError(t, err)

	clock.now = clock.now.Add(200 * time.Second)
	_, err = engine.ResolveMarket(ctx, m.Key(), creator, true)
	require.NoError(t, err)
	payout, err := engine.ClaimWinnings(ctx, m.Key(), alice)
	require.NoError(t, err)
	require.Equal(t, uint64(30_000_000), payout)

	m, err = engine.GetMarket(ctx, m.Key())
	require.NoError(t, err)
	return engine, m
}

func TestExpectedVault(t *testing.T) {
	engine, m := settledMarket(t)
	ps, err := engine.ListParticipants(context.Background(), m.Key())
	require.NoError(t, err)

	expected, err := ExpectedVault(m, ps)
	require.NoError(t, err)
	assert.Equal(t, uint64(15_000_000), expected)
	assert.Empty(t, CheckMarket(m, ps))
}

func TestExpectedVault_ClaimBeforeSettlement(t *testing.T) {
	m := &domain.Market{Status: domain.MarketStatusActive, PoolSize: 10, YesPool: 10}
	ps := []*domain.Participant{{Bettor: alice, Prediction: true, Stake: 10, Claimed: true}}

	_, err := ExpectedVault(m, ps)
	assert.Error(t, err)
}

func TestExpectedVault_CancelledRefunds(t *testing.T) {
	m := &domain.Market{Status: domain.MarketStatusCancelled, PoolSize: 30, YesPool: 10, NoPool: 20}
	ps := []*domain.Participant{
		{Bettor: alice, Prediction: true, Stake: 10, Claimed: true},
		{Bettor: bob, Prediction: false, Stake: 20},
	}

	expected, err := ExpectedVault(m, ps)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), expected)
}

func TestCheckMarket_DetectsTampering(t *testing.T) {
	yes := true
	m := &domain.Market{
		Status:            domain.MarketStatusActive,
		PoolSize:          31,
		YesPool:           10,
		NoPool:            20,
		TotalParticipants: 3,
		Outcome:           &yes,
	}
	ps := []*domain.Participant{
		{Bettor: alice, Prediction: true, Stake: 10},
		{Bettor: bob, Prediction: false, Stake: 15},
	}

	fields := map[string]bool{}
	for _, d := range CheckMarket(m, ps) {
		fields[d.Field] = true
	}
	assert.Equal(t, map[string]bool{
		"PoolSize":          true,
		"TotalParticipants": true,
		"NoPool":            true,
		"Outcome":           true,
	}, fields)
}

func TestCheckMarket_StakeSumOverflow(t *testing.T) {
	const max = ^uint64(0)
	// max + 1 wraps to 0, which would match the tampered pools.
	m := &domain.Market{Status: domain.MarketStatusActive, TotalParticipants: 2}
	ps := []*domain.Participant{
		{Bettor: alice, Prediction: true, Stake: max},
		{Bettor: bob, Prediction: true, Stake: 1},
	}

	var yesPool *FieldDivergence
	for _, d := range CheckMarket(m, ps) {
		if d.Field == "YesPool" {
			d := d
			yesPool = &d
		}
	}
	require.NotNil(t, yesPool, "wrapped stake sum must not match YesPool")
	assert.Equal(t, "stake sum overflows uint64", yesPool.Expected)
}

func TestVerifyAll_LedgerOnly(t *testing.T) {
	engine, m := settledMarket(t)

	report, err := NewVerifier(engine, nil, nil, nil).VerifyAll(context.Background(), []*domain.Market{m})
	require.NoError(t, err)

	assert.Equal(t, 1, report.TotalMarkets)
	assert.Equal(t, 1, report.MatchedMarkets)
	require.Len(t, report.Results, 1)
	assert.Nil(t, report.Results[0].OnChainVault)
	assert.Zero(t, report.Slot)
	assert.Equal(t, uint64(15_000_000), report.Results[0].LedgerVault)
}

func TestVerifyAll_OnChainDrift(t *testing.T) {
	engine, m := settledMarket(t)
	rpc := stub.NewRPCClient()
	rpc.SetBalance(m.Vault, 14_000_000)
	rpc.Slot = 312_000_123
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())

	report, err := NewVerifier(engine, rpc, metrics, nil).VerifyAll(context.Background(), []*domain.Market{m})
	require.NoError(t, err)

	assert.Equal(t, 1, report.DivergentMarkets)
	assert.Equal(t, uint64(312_000_123), report.Slot)
	res := report.Results[0]
	require.NotNil(t, res.OnChainVault)
	assert.Equal(t, uint64(14_000_000), *res.OnChainVault)
	require.Len(t, res.Divergences, 1)
	assert.Equal(t, "OnChainVault", res.Divergences[0].Field)

	drift := testutil.ToFloat64(metrics.VaultDriftLamports.WithLabelValues(m.Vault.String()))
	assert.Equal(t, float64(-1_000_000), drift)
}

func TestVerifyAll_RPCFailure(t *testing.T) {
	engine, m := settledMarket(t)
	rpc := stub.NewRPCClient()
	rpc.Fail = true

	_, err := NewVerifier(engine, rpc, nil, nil).VerifyAll(context.Background(), []*domain.Market{m})
	assert.ErrorIs(t, err, stub.ErrUnavailable)
}
