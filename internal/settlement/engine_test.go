package settlement

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"predict-duel/internal/cache"
	"predict-duel/internal/custody"
	"predict-duel/internal/domain"
	"predict-duel/internal/observability"
	"predict-duel/internal/storage"
	"predict-duel/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testAddr(b byte) domain.Address {
	var a domain.Address
	for i := range a {
		a[i] = b
	}
	return a
}

var (
	programID = testAddr(0xAA)
	creator   = testAddr(0x01)
	alice     = testAddr(0x02)
	bob       = testAddr(0x03)
	carol     = testAddr(0x04)
	dave      = testAddr(0x05)
	stranger  = testAddr(0x06)
)

const (
	startUnix = 1_700_000_000
	funding   = 1_000_000_000
)

type harness struct {
	engine *Engine
	store  *memory.SettlementStore
	clock  *fakeClock
	ctx    context.Context
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	store := memory.NewSettlementStore()
	clock := &fakeClock{now: time.Unix(startUnix, 0)}
	opts := Options{
		Store:     store,
		ProgramID: programID,
		Clock:     clock,
		Metrics:   observability.NewMetrics("test", prometheus.NewRegistry()),
		Logger:    zap.NewNop(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	h := &harness{engine: New(opts), store: store, clock: clock, ctx: context.Background()}
	for _, a := range []domain.Address{alice, bob, carol, dave} {
		require.NoError(t, store.Deposit(h.ctx, a, funding))
	}
	return h
}

func (h *harness) createMarket(t *testing.T, index uint64) *domain.Market {
	t.Helper()
	m, err := h.engine.CreateMarket(h.ctx, CreateMarketParams{
		Creator:     creator,
		MarketIndex: index,
		Question:    "Will SOL close above 200 on Friday?",
		Category:    domain.CategoryCrypto,
		MarketType:  domain.MarketTypePublic,
		StakeAmount: DefaultMinStake,
		Deadline:    startUnix + 1000,
	})
	require.NoError(t, err)
	return m
}

func (h *harness) balance(t *testing.T, a domain.Address) uint64 {
	t.Helper()
	bal, err := h.store.Balance(h.ctx, a)
	require.NoError(t, err)
	return bal
}

func keyOf(m *domain.Market) domain.MarketKey {
	return m.Key()
}

func assertPoolInvariants(t *testing.T, h *harness, key domain.MarketKey) {
	t.Helper()
	m, err := h.engine.GetMarket(h.ctx, key)
	require.NoError(t, err)
	ps, err := h.engine.ListParticipants(h.ctx, key)
	require.NoError(t, err)

	assert.Equal(t, m.YesPool+m.NoPool, m.PoolSize, "pool_size == yes_pool + no_pool")
	assert.Equal(t, uint32(len(ps)), m.TotalParticipants, "total_participants == participant records")
}

func TestCreateMarket_Defaults(t *testing.T) {
	h := newHarness(t)
	m := h.createMarket(t, 0)

	assert.Equal(t, domain.MarketStatusPending, m.Status)
	assert.Zero(t, m.PoolSize)
	assert.Zero(t, m.YesPool)
	assert.Zero(t, m.NoPool)
	assert.Zero(t, m.YesCount)
	assert.Zero(t, m.NoCount)
	assert.Zero(t, m.TotalParticipants)
	assert.Nil(t, m.Outcome)
	assert.Equal(t, int64(startUnix), m.CreatedAt)

	addrs, err := custody.DeriveMarket(programID, creator, 0)
	require.NoError(t, err)
	assert.Equal(t, addrs.Market, m.Address)
	assert.Equal(t, addrs.Vault, m.Vault)
	assert.Zero(t, h.balance(t, m.Vault))

	events, err := h.engine.Events(h.ctx, keyOf(m))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventMarketCreated, events[0].Kind)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.NotEmpty(t, events[0].EventID)
}

func TestCreateMarket_Validation(t *testing.T) {
	valid := CreateMarketParams{
		Creator:     creator,
		MarketIndex: 7,
		Question:    "q",
		Category:    domain.CategorySports,
		MarketType:  domain.MarketTypeChallenge,
		StakeAmount: DefaultMinStake,
		Deadline:    startUnix + 60,
	}

	tests := []struct {
		name   string
		mutate func(p *CreateMarketParams)
		want   error
	}{
		{"question at limit", func(p *CreateMarketParams) { p.Question = strings.Repeat("x", DefaultMaxQuestionLen) }, nil},
		{"question too long", func(p *CreateMarketParams) { p.Question = strings.Repeat("x", DefaultMaxQuestionLen+1) }, ErrQuestionTooLong},
		{"stake below minimum", func(p *CreateMarketParams) { p.StakeAmount = DefaultMinStake - 1 }, ErrStakeTooLow},
		{"deadline now", func(p *CreateMarketParams) { p.Deadline = startUnix }, ErrInvalidDeadline},
		{"deadline past", func(p *CreateMarketParams) { p.Deadline = startUnix - 1 }, ErrInvalidDeadline},
		{"zero creator", func(p *CreateMarketParams) { p.Creator = domain.Address{} }, ErrInvalidIdentity},
		{"unknown category", func(p *CreateMarketParams) { p.Category = "POLITICS" }, ErrInvalidCategory},
		{"unknown type", func(p *CreateMarketParams) { p.MarketType = "PRIVATE" }, ErrInvalidType},
		{"question checked before stake", func(p *CreateMarketParams) {
			p.Question = strings.Repeat("x", DefaultMaxQuestionLen+1)
			p.StakeAmount = 0
		}, ErrQuestionTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p := valid
			tt.mutate(&p)

			_, err := h.engine.CreateMarket(h.ctx, p)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, KindValidation, KindOf(err))

			_, err = h.engine.GetMarket(h.ctx, domain.MarketKey{Creator: p.Creator, Index: p.MarketIndex})
			assert.ErrorIs(t, err, ErrMarketNotFound)
		})
	}
}

func TestCreateMarket_Duplicate(t *testing.T) {
	h := newHarness(t)
	h.createMarket(t, 3)

	_, err := h.engine.CreateMarket(h.ctx, CreateMarketParams{
		Creator:     creator,
		MarketIndex: 3,
		Question:    "again",
		Category:    domain.CategoryOther,
		MarketType:  domain.MarketTypePublic,
		StakeAmount: DefaultMinStake,
		Deadline:    startUnix + 10,
	})
	assert.ErrorIs(t, err, ErrMarketExists)

	// A different index by the same creator is a different market.
	m := h.createMarket(t, 4)
	assert.Equal(t, uint64(4), m.MarketIndex)
}

func TestScenarioA_YesWins(t *testing.T) {
	h := newHarness(t)
	m := h.createMarket(t, 0)
	key := keyOf(m)

	_, err := h.engine.PlaceBet(h.ctx, key, alice, true, 10_000_000)
	require.NoError(t, err)
	_, err = h.engine.PlaceBet(h.ctx, key, bob, false, 20_000_000)
	require.NoError(t, err)

	m, err = h.engine.GetMarket(h.ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusActive, m.Status)
	assert.Equal(t, uint64(30_000_000), m.PoolSize)
	assert.Equal(t, uint64(10_000_000), m.YesPool)
	assert.Equal(t, uint64(20_000_000), m.NoPool)
	assert.Equal(t, uint32(1), m.YesCount)
	assert.Equal(t, uint32(1), m.NoCount)
	assert.Equal(t, uint32(2), m.TotalParticipants)
	assert.Equal(t, uint64(30_000_000), h.balance(t, m.Vault))
	assertPoolInvariants(t, h, key)

	h.clock.Advance(1001 * time.Second)
	resolved, err := h.engine.ResolveMarket(h.ctx, key, creator, true)
	require.NoError(t, err)
	require.NotNil(t, resolved.Outcome)
	assert.True(t, *resolved.Outcome)

	payout, err := h.engine.ClaimWinnings(h.ctx, key, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(30_000_000), payout)
	assert.Equal(t, uint64(funding-10_000_000+30_000_000), h.balance(t, alice))
	assert.Zero(t, h.balance(t, m.Vault))

	_, err = h.engine.ClaimWinnings(h.ctx, key, bob)
	assert.ErrorIs(t, err, ErrNotAWinner)
	assert.Equal(t, KindOutcome, KindOf(err))
}

func TestScenarioB_NoWins(t *testing.T) {
	h := newHarness(t)
	m := h.createMarket(t, 0)
	key := keyOf(m)

	_, err := h.engine.PlaceBet(h.ctx, key, alice, true, 10_000_000)
	require.NoError(t, err)
	_, err = h.engine.PlaceBet(h.ctx, key, bob, false, 20_000_000)
	require.NoError(t, err)

	h.clock.Advance(1000 * time.Second)
	_, err = h.engine.ResolveMarket(h.ctx, key, creator, false)
	require.NoError(t, err)

	payout, err := h.engine.ClaimWinnings(h.ctx, key, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(30_000_000), payout)

	_, err = h.engine.ClaimWinnings(h.ctx, key, alice)
	assert.ErrorIs(t, err, ErrNotAWinner)
}

func TestScenarioC_ThreeWinnersSplitPool(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MinStake = 1 })
	m, err := h.engine.CreateMarket(h.ctx, CreateMarketParams{
		Creator:     creator,
		Question:    "three winners",
		Category:    domain.CategoryMeme,
		MarketType:  domain.MarketTypePublic,
		StakeAmount: 1,
		Deadline:    startUnix + 10,
	})
	require.NoError(t, err)
	key := keyOf(m)

	stakes := map[domain.Address]uint64{alice: 1, bob: 2, carol: 3}
	for a, s := range stakes {
		_, err := h.engine.PlaceBet(h.ctx, key, a, true, s)
		require.NoError(t, err)
	}
	_, err = h.engine.PlaceBet(h.ctx, key, dave, false, 6)
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	_, err = h.engine.ResolveMarket(h.ctx, key, creator, true)
	require.NoError(t, err)

	want := map[domain.Address]uint64{alice: 2, bob: 4, carol: 6}
	var sum uint64
	for a, w := range want {
		got, err := h.engine.ClaimWinnings(h.ctx, key, a)
		require.NoError(t, err)
		assert.Equal(t, w, got)
		sum += got
	}
	assert.Equal(t, uint64(12), sum)
	assert.Zero(t, h.balance(t, m.Vault))
}

func TestScenarioD_EmptyMarketCancelAndRefund(t *testing.T) {
	h := newHarness(t)
	m := h.createMarket(t, 0)
	key := keyOf(m)

	h.clock.Advance(2000 * time.Second)
	_, err := h.engine.ResolveMarket(h.ctx, key, creator, true)
	assert.ErrorIs(t, err, ErrMarketNotActive)

	cancelled, err := h.engine.CancelMarket(h.ctx, key, creator)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusCancelled, cancelled.Status)

	_, err = h.engine.RefundStake(h.ctx, key, stranger)
	assert.ErrorIs(t, err, ErrParticipantNotFound)
}

func TestPlaceBet_MinStakeBoundary(t *testing.T) {
	h := newHarness(t)
	key := keyOf(h.createMarket(t, 0))

	_, err := h.engine.PlaceBet(h.ctx, key, alice, true, DefaultMinStake-1)
	assert.ErrorIs(t, err, ErrStakeTooLow)

	p, err := h.engine.PlaceBet(h.ctx, key, alice, true, DefaultMinStake)
	require.NoError(t, err)
	assert.Equal(t, DefaultMinStake, p.Stake)
}

func TestPlaceBet_AccumulatesSameSide(t *testing.T) {
	h := newHarness(t)
	key := keyOf(h.createMarket(t, 0))

	_, err := h.engine.PlaceBet(h.ctx, key, alice, true, 10_000_000)
	require.NoError(t, err)
	p, err := h.engine.PlaceBet(h.ctx, key, alice, true, 15_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(25_000_000), p.Stake)

	m, err := h.engine.GetMarket(h.ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), m.TotalParticipants)
	assert.Equal(t, uint32(2), m.YesCount, "count tracks stake events")
	assert.Equal(t, uint64(25_000_000), m.YesPool)
	assertPoolInvariants(t, h, key)

	wantAddr, wantBump, err := custody.DeriveParticipant(programID, m.Address, alice)
	require.NoError(t, err)
	assert.Equal(t, wantAddr, p.Address)
	assert.Equal(t, wantBump, p.Bump)
}

func TestPlaceBet_PredictionMismatch(t *testing.T) {
	h := newHarness(t)
	key := keyOf(h.createMarket(t, 0))

	_, err := h.engine.PlaceBet(h.ctx, key, alice, true, 10_000_000)
	require.NoError(t, err)

	_, err = h.engine.PlaceBet(h.ctx, key, alice, false, 10_000_000)
	require.ErrorIs(t, err, ErrPredictionMismatch)

	m, err := h.engine.GetMarket(h.ctx, key)
	require.NoError(t, err)
	assert.Zero(t, m.NoPool)
	assert.Equal(t, uint64(funding-10_000_000), h.balance(t, alice))
}

func TestPlaceBet_Rejections(t *testing.T) {
	h := newHarness(t)
	key := keyOf(h.createMarket(t, 0))

	_, err := h.engine.PlaceBet(h.ctx, domain.MarketKey{Creator: creator, Index: 99}, alice, true, DefaultMinStake)
	assert.ErrorIs(t, err, ErrMarketNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))

	h.clock.Advance(1000 * time.Second)
	_, err = h.engine.PlaceBet(h.ctx, key, alice, true, DefaultMinStake)
	assert.ErrorIs(t, err, ErrMarketExpired)
}

func TestPlaceBet_InsufficientFundsLeavesNoState(t *testing.T) {
	h := newHarness(t)
	m := h.createMarket(t, 0)
	key := keyOf(m)

	_, err := h.engine.PlaceBet(h.ctx, key, stranger, true, DefaultMinStake)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.ErrorIs(t, err, custody.ErrInsufficientFunds)

	got, err := h.engine.GetMarket(h.ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusPending, got.Status)
	assert.Zero(t, got.PoolSize)
	assert.Zero(t, got.TotalParticipants)
	assert.Zero(t, h.balance(t, m.Vault))

	_, err = h.engine.GetParticipant(h.ctx, key, stranger)
	assert.ErrorIs(t, err, ErrParticipantNotFound)

	events, err := h.engine.Events(h.ctx, key)
	require.NoError(t, err)
	assert.Len(t, events, 1, "only the creation event")
}

func TestResolveMarket_Rejections(t *testing.T) {
	h := newHarness(t)
	key := keyOf(h.createMarket(t, 0))
	_, err := h.engine.PlaceBet(h.ctx, key, alice, true, DefaultMinStake)
	require.NoError(t, err)

	_, err = h.engine.ResolveMarket(h.ctx, key, creator, true)
	assert.ErrorIs(t, err, ErrMarketNotExpired)

	h.clock.Advance(1000 * time.Second)
	_, err = h.engine.ResolveMarket(h.ctx, key, alice, true)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, KindAuthorization, KindOf(err))

	_, err = h.engine.ResolveMarket(h.ctx, key, creator, true)
	require.NoError(t, err)

	_, err = h.engine.ResolveMarket(h.ctx, key, creator, false)
	assert.ErrorIs(t, err, ErrMarketNotActive)

	m, err := h.engine.GetMarket(h.ctx, key)
	require.NoError(t, err)
	assert.True(t, *m.Outcome, "outcome is set once")
}

func TestResolveMarket_CustomPolicy(t *testing.T) {
	oracle := testAddr(0x77)
	h := newHarness(t, func(o *Options) {
		o.Policy = ResolutionPolicyFunc(func(_ *domain.Market, r domain.Address) bool { return r == oracle })
	})
	key := keyOf(h.createMarket(t, 0))
	_, err := h.engine.PlaceBet(h.ctx, key, alice, true, DefaultMinStake)
	require.NoError(t, err)
	h.clock.Advance(1000 * time.Second)

	_, err = h.engine.ResolveMarket(h.ctx, key, creator, true)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.engine.ResolveMarket(h.ctx, key, oracle, true)
	assert.NoError(t, err)
}

func TestClaimWinnings_Rejections(t *testing.T) {
	h := newHarness(t)
	key := keyOf(h.createMarket(t, 0))
	_, err := h.engine.PlaceBet(h.ctx, key, alice, true, 10_000_000)
	require.NoError(t, err)
	_, err = h.engine.PlaceBet(h.ctx, key, bob, false, 10_000_000)
	require.NoError(t, err)

	_, err = h.engine.ClaimWinnings(h.ctx, key, alice)
	assert.ErrorIs(t, err, ErrMarketNotResolved)

	h.clock.Advance(1000 * time.Second)
	_, err = h.engine.ResolveMarket(h.ctx, key, creator, true)
	require.NoError(t, err)

	_, err = h.engine.ClaimWinnings(h.ctx, key, stranger)
	assert.ErrorIs(t, err, ErrParticipantNotFound)

	payout, err := h.engine.ClaimWinnings(h.ctx, key, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000_000), payout)

	_, err = h.engine.ClaimWinnings(h.ctx, key, alice)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Equal(t, uint64(funding+10_000_000), h.balance(t, alice), "second claim moves nothing")
}

func TestClaimWinnings_OnlyLosingSideStaked(t *testing.T) {
	h := newHarness(t)
	key := keyOf(h.createMarket(t, 0))
	_, err := h.engine.PlaceBet(h.ctx, key, alice, true, 10_000_000)
	require.NoError(t, err)

	h.clock.Advance(1000 * time.Second)
	_, err = h.engine.ResolveMarket(h.ctx, key, creator, false)
	require.NoError(t, err)

	// Only the YES side staked; NO won, so alice is simply not a winner.
	_, err = h.engine.ClaimWinnings(h.ctx, key, alice)
	assert.ErrorIs(t, err, ErrNotAWinner)
}

func TestClaimWinnings_DustStaysInVault(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MinStake = 1 })
	m, err := h.engine.CreateMarket(h.ctx, CreateMarketParams{
		Creator:     creator,
		Question:    "dust",
		Category:    domain.CategoryLocal,
		MarketType:  domain.MarketTypePublic,
		StakeAmount: 1,
		Deadline:    startUnix + 10,
	})
	require.NoError(t, err)
	key := keyOf(m)

	for _, a := range []domain.Address{alice, bob, carol} {
		_, err := h.engine.PlaceBet(h.ctx, key, a, true, 1)
		require.NoError(t, err)
	}
	_, err = h.engine.PlaceBet(h.ctx, key, dave, false, 1)
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	_, err = h.engine.ResolveMarket(h.ctx, key, creator, true)
	require.NoError(t, err)

	var paid uint64
	for _, a := range []domain.Address{alice, bob, carol} {
		p, err := h.engine.ClaimWinnings(h.ctx, key, a)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), p, "floor(1*4/3)")
		paid += p
	}
	assert.LessOrEqual(t, paid, uint64(4))
	assert.Equal(t, uint64(1), h.balance(t, m.Vault))
}

func TestClaimWinnings_ConcurrentClaimsNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	key := keyOf(h.createMarket(t, 0))
	_, err := h.engine.PlaceBet(h.ctx, key, alice, true, 10_000_000)
	require.NoError(t, err)
	_, err = h.engine.PlaceBet(h.ctx, key, bob, false, 10_000_000)
	require.NoError(t, err)
	h.clock.Advance(1000 * time.Second)
	_, err = h.engine.ResolveMarket(h.ctx, key, creator, true)
	require.NoError(t, err)

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.ClaimWinnings(h.ctx, key, alice); err == nil {
				successes.Add(1)
			} else if !errors.Is(err, ErrAlreadyClaimed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, uint64(funding+10_000_000), h.balance(t, alice))
}

func TestPlaceBet_ConcurrentBettorsSerialize(t *testing.T) {
	h := newHarness(t)
	key := keyOf(h.createMarket(t, 0))

	bettors := []domain.Address{alice, bob, carol, dave}
	var wg sync.WaitGroup
	for i, a := range bettors {
		wg.Add(1)
		go func(a domain.Address, yes bool) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, err := h.engine.PlaceBet(h.ctx, key, a, yes, DefaultMinStake)
				assert.NoError(t, err)
			}
		}(a, i%2 == 0)
	}
	wg.Wait()

	m, err := h.engine.GetMarket(h.ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(20)*DefaultMinStake, m.PoolSize)
	assert.Equal(t, uint32(10), m.YesCount)
	assert.Equal(t, uint32(10), m.NoCount)
	assert.Equal(t, m.PoolSize, h.balance(t, m.Vault))
	assertPoolInvariants(t, h, key)

	events, err := h.engine.Events(h.ctx, key)
	require.NoError(t, err)
	require.Len(t, events, 21)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestCancelMarket_Rejections(t *testing.T) {
	h := newHarness(t)
	key := keyOf(h.createMarket(t, 0))

	_, err := h.engine.CancelMarket(h.ctx, key, alice)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.engine.PlaceBet(h.ctx, key, alice, true, DefaultMinStake)
	require.NoError(t, err)

	_, err = h.engine.CancelMarket(h.ctx, key, creator)
	assert.ErrorIs(t, err, ErrCannotCancel)

	_, err = h.engine.RefundStake(h.ctx, key, alice)
	assert.ErrorIs(t, err, ErrMarketNotCancelled)
}

func TestRefundStake_ReturnsWholeStakeOnce(t *testing.T) {
	h := newHarness(t)
	m := h.createMarket(t, 0)
	key := keyOf(m)

	// Seed a cancelled market holding a stake directly through the store;
	// the engine itself never lets a funded market be cancelled.
	err := h.store.Atomically(h.ctx, key, func(ctx context.Context, tx storage.Tx) error {
		mm, err := tx.GetMarket(ctx, key)
		if err != nil {
			return err
		}
		mm.Status = domain.MarketStatusCancelled
		mm.PoolSize, mm.YesPool, mm.YesCount, mm.TotalParticipants = 12_000_000, 12_000_000, 1, 1
		if err := tx.UpdateMarket(ctx, mm); err != nil {
			return err
		}
		if err := tx.InsertParticipant(ctx, &domain.Participant{
			Market: mm.Address, Bettor: alice, Prediction: true, Stake: 12_000_000,
		}); err != nil {
			return err
		}
		return custody.Transfer(ctx, tx, custody.BettorSigner(alice), alice, mm.Vault, 12_000_000)
	})
	require.NoError(t, err)

	q, err := h.engine.Quote(h.ctx, key, alice)
	require.NoError(t, err)
	assert.True(t, q.Final)
	assert.Equal(t, uint64(12_000_000), q.Payout)

	refund, err := h.engine.RefundStake(h.ctx, key, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(12_000_000), refund)
	assert.Equal(t, uint64(funding), h.balance(t, alice))
	assert.Zero(t, h.balance(t, m.Vault))

	_, err = h.engine.RefundStake(h.ctx, key, alice)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestQuote_ProjectsBeforeResolution(t *testing.T) {
	h := newHarness(t)
	key := keyOf(h.createMarket(t, 0))
	_, err := h.engine.PlaceBet(h.ctx, key, alice, true, 10_000_000)
	require.NoError(t, err)
	_, err = h.engine.PlaceBet(h.ctx, key, bob, false, 30_000_000)
	require.NoError(t, err)

	q, err := h.engine.Quote(h.ctx, key, alice)
	require.NoError(t, err)
	assert.False(t, q.Final)
	assert.Equal(t, uint64(40_000_000), q.Payout)

	h.clock.Advance(1000 * time.Second)
	_, err = h.engine.ResolveMarket(h.ctx, key, creator, false)
	require.NoError(t, err)

	_, err = h.engine.Quote(h.ctx, key, alice)
	assert.ErrorIs(t, err, ErrNotAWinner)

	q, err = h.engine.Quote(h.ctx, key, bob)
	require.NoError(t, err)
	assert.True(t, q.Final)
	assert.Equal(t, uint64(40_000_000), q.Payout)
}

func TestTransitionsFromTerminalStatesRejected(t *testing.T) {
	h := newHarness(t)
	key := keyOf(h.createMarket(t, 0))
	_, err := h.engine.CancelMarket(h.ctx, key, creator)
	require.NoError(t, err)

	_, err = h.engine.PlaceBet(h.ctx, key, alice, true, DefaultMinStake)
	assert.ErrorIs(t, err, ErrMarketNotActive)
	_, err = h.engine.CancelMarket(h.ctx, key, creator)
	assert.ErrorIs(t, err, ErrCannotCancel)
	h.clock.Advance(1000 * time.Second)
	_, err = h.engine.ResolveMarket(h.ctx, key, creator, true)
	assert.ErrorIs(t, err, ErrMarketNotActive)
	_, err = h.engine.ClaimWinnings(h.ctx, key, alice)
	assert.ErrorIs(t, err, ErrMarketNotResolved)
}

func TestSinksReceiveCommittedEventsOnly(t *testing.T) {
	var (
		mu       sync.Mutex
		received []*domain.SettlementEvent
	)
	sink := EventSinkFunc(func(_ context.Context, evs []*domain.SettlementEvent) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, evs...)
		return nil
	})
	failing := EventSinkFunc(func(context.Context, []*domain.SettlementEvent) error {
		return errors.New("broker down")
	})

	h := newHarness(t, func(o *Options) { o.Sinks = []EventSink{failing, sink} })
	key := keyOf(h.createMarket(t, 0))

	_, err := h.engine.PlaceBet(h.ctx, key, alice, true, DefaultMinStake)
	require.NoError(t, err, "sink failures never fail the operation")
	_, err = h.engine.PlaceBet(h.ctx, key, alice, false, DefaultMinStake)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, domain.EventMarketCreated, received[0].Kind)
	assert.Equal(t, domain.EventBetPlaced, received[1].Kind)
	assert.Equal(t, alice, received[1].Actor)
	require.NotNil(t, received[1].Side)
	assert.True(t, *received[1].Side)
	assert.Equal(t, creator, received[1].Creator)
}

func TestDeposit(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.Deposit(h.ctx, stranger, 5))
	bal, err := h.engine.Balance(h.ctx, stranger)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), bal)

	assert.ErrorIs(t, h.engine.Deposit(h.ctx, stranger, 0), ErrInvalidAmount)
	assert.ErrorIs(t, h.engine.Deposit(h.ctx, domain.Address{}, 5), ErrInvalidIdentity)
}

// racingStore runs onRead once, right after the first GetMarket read
// through the Reader returns.
type racingStore struct {
	storage.Store
	onRead func()
}

func (s *racingStore) Reader() storage.Reader {
	return &racingReader{Reader: s.Store.Reader(), store: s}
}

type racingReader struct {
	storage.Reader
	store *racingStore
}

func (r *racingReader) GetMarket(ctx context.Context, key domain.MarketKey) (*domain.Market, error) {
	m, err := r.Reader.GetMarket(ctx, key)
	if fn := r.store.onRead; fn != nil {
		r.store.onRead = nil
		fn()
	}
	return m, err
}

func TestGetMarket_CacheDropsSnapshotOlderThanCommit(t *testing.T) {
	mc, err := cache.NewMarketCache(cache.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(mc.Close)

	racing := &racingStore{}
	h := newHarness(t, func(o *Options) {
		racing.Store = o.Store
		o.Store = racing
		o.Cache = mc
	})
	m := h.createMarket(t, 0)

	// The bet commits between the cache miss's store read and its Set.
	racing.onRead = func() {
		_, err := h.engine.PlaceBet(h.ctx, keyOf(m), alice, true, 20_000_000)
		require.NoError(t, err)
	}
	stale, err := h.engine.GetMarket(h.ctx, keyOf(m))
	require.NoError(t, err)
	assert.Zero(t, stale.PoolSize)
	mc.Wait()

	got, err := h.engine.GetMarket(h.ctx, keyOf(m))
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000_000), got.PoolSize)
}
