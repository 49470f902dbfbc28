// Package settlement implements the market lifecycle, escrow accounting and
// payout arithmetic of binary prediction markets.
//
// Every operation runs as one storage.Store atomic unit: all checks happen
// before any effect, and a failure leaves markets, participants, ledger
// balances and the event log exactly as they were.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"predict-duel/internal/custody"
	"predict-duel/internal/domain"
	"predict-duel/internal/observability"
	"predict-duel/internal/storage"
)

const (
	// DefaultMinStake is the smallest accepted stake (0.01 SOL).
	DefaultMinStake uint64 = 10_000_000
	// DefaultMaxQuestionLen bounds the question in bytes.
	DefaultMaxQuestionLen = 200
)

// MarketCache holds market snapshots for the read path. Set must drop a
// snapshot whose key was invalidated after gen was taken.
type MarketCache interface {
	Get(key domain.MarketKey) (*domain.Market, bool)
	Generation(key domain.MarketKey) uint64
	Set(m *domain.Market, gen uint64)
	Invalidate(key domain.MarketKey)
}

// Engine executes settlement operations against a Store.
type Engine struct {
	store          storage.Store
	programID      domain.Address
	clock          Clock
	policy         ResolutionPolicy
	minStake       uint64
	maxQuestionLen int
	sinks          []EventSink
	cache          MarketCache
	metrics        *observability.Metrics
	logger         *zap.Logger
}

// Options for creating Engine.
type Options struct {
	Store     storage.Store
	ProgramID domain.Address

	Clock          Clock            // default SystemClock
	Policy         ResolutionPolicy // default CreatorOnly
	MinStake       uint64           // default DefaultMinStake
	MaxQuestionLen int              // default DefaultMaxQuestionLen

	Sinks   []EventSink
	Cache   MarketCache
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// New creates a new Engine.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Policy == nil {
		opts.Policy = CreatorOnly{}
	}
	if opts.MinStake == 0 {
		opts.MinStake = DefaultMinStake
	}
	if opts.MaxQuestionLen <= 0 {
		opts.MaxQuestionLen = DefaultMaxQuestionLen
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Engine{
		store:          opts.Store,
		programID:      opts.ProgramID,
		clock:          opts.Clock,
		policy:         opts.Policy,
		minStake:       opts.MinStake,
		maxQuestionLen: opts.MaxQuestionLen,
		sinks:          opts.Sinks,
		cache:          opts.Cache,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
	}
}

// ProgramID returns the program identity used for address derivation.
func (e *Engine) ProgramID() domain.Address {
	return e.programID
}

// MinStake returns the configured minimum stake.
func (e *Engine) MinStake() uint64 {
	return e.minStake
}

// CreateMarketParams holds the inputs of CreateMarket.
type CreateMarketParams struct {
	Creator     domain.Address
	MarketIndex uint64
	Question    string
	Category    domain.MarketCategory
	MarketType  domain.MarketType
	StakeAmount uint64
	Deadline    int64 // unix seconds
}

// CreateMarket opens a Pending market and its empty vault.
func (e *Engine) CreateMarket(ctx context.Context, p CreateMarketParams) (*domain.Market, error) {
	key := domain.MarketKey{Creator: p.Creator, Index: p.MarketIndex}
	var created *domain.Market

	err := e.run(ctx, "create_market", key, func(ctx context.Context, tx storage.Tx, rec *recorder) error {
		now := rec.now
		if len(p.Question) > e.maxQuestionLen {
			return ErrQuestionTooLong
		}
		if p.StakeAmount < e.minStake {
			return ErrStakeTooLow
		}
		if p.Deadline <= now {
			return ErrInvalidDeadline
		}
		if p.Creator.IsZero() {
			return ErrInvalidIdentity
		}
		if !p.Category.IsValid() {
			return ErrInvalidCategory
		}
		if !p.MarketType.IsValid() {
			return ErrInvalidType
		}

		_, err := tx.GetMarket(ctx, key)
		switch {
		case err == nil:
			return ErrMarketExists
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("get market: %w", err)
		}

		addrs, err := custody.DeriveMarket(e.programID, p.Creator, p.MarketIndex)
		if err != nil {
			return fmt.Errorf("derive market: %w", err)
		}

		m := &domain.Market{
			Address:     addrs.Market,
			Vault:       addrs.Vault,
			Bump:        addrs.Bump,
			VaultBump:   addrs.VaultBump,
			Creator:     p.Creator,
			MarketIndex: p.MarketIndex,
			Question:    p.Question,
			Category:    p.Category,
			MarketType:  p.MarketType,
			StakeAmount: p.StakeAmount,
			Deadline:    p.Deadline,
			Status:      domain.MarketStatusPending,
			CreatedAt:   now,
		}
		if err := tx.InsertMarket(ctx, m); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				return ErrMarketExists
			}
			return fmt.Errorf("insert market: %w", err)
		}

		created = m
		return rec.emit(ctx, tx, &domain.SettlementEvent{
			Kind:   domain.EventMarketCreated,
			Market: m.Address,
			Actor:  p.Creator,
			Amount: p.StakeAmount,
		}, m)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("market-created",
		zap.String("market", created.Address.String()),
		zap.String("creator", created.Creator.String()),
		zap.Uint64("index", created.MarketIndex),
		zap.String("category", string(created.Category)),
		zap.Int64("deadline", created.Deadline),
	)
	e.metrics.RecordTransition(string(domain.MarketStatusPending))
	return created, nil
}

// PlaceBet moves amount from bettor into the market vault and records the
// position. The first stake fixes the bettor's side for this market.
func (e *Engine) PlaceBet(ctx context.Context, key domain.MarketKey, bettor domain.Address, prediction bool, amount uint64) (*domain.Participant, error) {
	var (
		position  *domain.Participant
		activated bool
	)

	err := e.run(ctx, "place_bet", key, func(ctx context.Context, tx storage.Tx, rec *recorder) error {
		m, err := loadMarket(ctx, tx, key)
		if err != nil {
			return err
		}
		if !m.Status.AcceptsStakes() {
			return ErrMarketNotActive
		}
		if rec.now >= m.Deadline {
			return ErrMarketExpired
		}
		if amount < e.minStake {
			return ErrStakeTooLow
		}
		if bettor.IsZero() {
			return ErrInvalidIdentity
		}

		pkey := domain.ParticipantKey{Market: m.Address, Bettor: bettor}
		p, found, err := tx.LookupParticipant(ctx, pkey)
		if err != nil {
			return fmt.Errorf("lookup participant: %w", err)
		}

		next := m.Clone()
		if found {
			if p.Prediction != prediction {
				return ErrPredictionMismatch
			}
			if p.Stake, err = addUint64(p.Stake, amount); err != nil {
				return err
			}
		} else {
			addr, bump, err := custody.DeriveParticipant(e.programID, m.Address, bettor)
			if err != nil {
				return fmt.Errorf("derive participant: %w", err)
			}
			p = &domain.Participant{
				Address:    addr,
				Bump:       bump,
				Market:     m.Address,
				Bettor:     bettor,
				Prediction: prediction,
				Stake:      amount,
			}
			if next.TotalParticipants, err = incUint32(next.TotalParticipants); err != nil {
				return err
			}
		}

		if next.PoolSize, err = addUint64(next.PoolSize, amount); err != nil {
			return err
		}
		if prediction {
			if next.YesPool, err = addUint64(next.YesPool, amount); err != nil {
				return err
			}
			if next.YesCount, err = incUint32(next.YesCount); err != nil {
				return err
			}
		} else {
			if next.NoPool, err = addUint64(next.NoPool, amount); err != nil {
				return err
			}
			if next.NoCount, err = incUint32(next.NoCount); err != nil {
				return err
			}
		}
		if next.Status == domain.MarketStatusPending {
			next.Status = domain.MarketStatusActive
			activated = true
		}

		if err := custody.Transfer(ctx, tx, custody.BettorSigner(bettor), bettor, m.Vault, amount); err != nil {
			return err
		}
		if found {
			err = tx.UpdateParticipant(ctx, p)
		} else {
			err = tx.InsertParticipant(ctx, p)
		}
		if err != nil {
			return fmt.Errorf("save participant: %w", err)
		}
		if err := tx.UpdateMarket(ctx, next); err != nil {
			return fmt.Errorf("update market: %w", err)
		}

		position = p
		side := prediction
		return rec.emit(ctx, tx, &domain.SettlementEvent{
			Kind:   domain.EventBetPlaced,
			Market: m.Address,
			Actor:  bettor,
			Amount: amount,
			Side:   &side,
		}, next)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("bet-placed",
		zap.String("market", key.String()),
		zap.String("bettor", bettor.String()),
		zap.String("side", domain.SideLabel(prediction)),
		zap.Uint64("amount", amount),
		zap.Uint64("stake", position.Stake),
	)
	e.metrics.RecordStake(domain.SideLabel(prediction), amount)
	if activated {
		e.metrics.RecordTransition(string(domain.MarketStatusActive))
	}
	return position, nil
}

// ResolveMarket records the outcome of an Active market past its deadline.
func (e *Engine) ResolveMarket(ctx context.Context, key domain.MarketKey, resolver domain.Address, outcome bool) (*domain.Market, error) {
	var resolved *domain.Market

	err := e.run(ctx, "resolve_market", key, func(ctx context.Context, tx storage.Tx, rec *recorder) error {
		m, err := loadMarket(ctx, tx, key)
		if err != nil {
			return err
		}
		if !e.policy.CanResolve(m, resolver) {
			return ErrUnauthorized
		}
		if m.Status != domain.MarketStatusActive {
			return ErrMarketNotActive
		}
		if rec.now < m.Deadline {
			return ErrMarketNotExpired
		}

		m.Status = domain.MarketStatusResolved
		o := outcome
		m.Outcome = &o
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return fmt.Errorf("update market: %w", err)
		}

		resolved = m
		side := outcome
		return rec.emit(ctx, tx, &domain.SettlementEvent{
			Kind:   domain.EventMarketResolved,
			Market: m.Address,
			Actor:  resolver,
			Side:   &side,
		}, m)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("market-resolved",
		zap.String("market", key.String()),
		zap.String("outcome", domain.SideLabel(outcome)),
		zap.Uint64("pool_size", resolved.PoolSize),
		zap.Uint64("winning_pool", resolved.WinningPool(outcome)),
	)
	e.metrics.RecordTransition(string(domain.MarketStatusResolved))
	return resolved, nil
}

// ClaimWinnings pays a winning participant its pro-rata share of the pool.
// Returns the lamports transferred.
func (e *Engine) ClaimWinnings(ctx context.Context, key domain.MarketKey, winner domain.Address) (uint64, error) {
	var payout uint64

	err := e.run(ctx, "claim_winnings", key, func(ctx context.Context, tx storage.Tx, rec *recorder) error {
		m, err := loadMarket(ctx, tx, key)
		if err != nil {
			return err
		}
		if m.Status != domain.MarketStatusResolved {
			return ErrMarketNotResolved
		}
		p, err := loadParticipant(ctx, tx, m, winner)
		if err != nil {
			return err
		}

		amount, err := PayoutFor(m, p)
		if err != nil {
			return err
		}
		if err := e.checkEscrow(ctx, tx, m, amount); err != nil {
			return err
		}

		if err := custody.Transfer(ctx, tx, custody.VaultAuthorityFor(e.programID, m), m.Vault, winner, amount); err != nil {
			return err
		}
		p.Claimed = true
		if err := tx.UpdateParticipant(ctx, p); err != nil {
			return fmt.Errorf("update participant: %w", err)
		}

		payout = amount
		return rec.emit(ctx, tx, &domain.SettlementEvent{
			Kind:   domain.EventWinningsClaimed,
			Market: m.Address,
			Actor:  winner,
			Amount: amount,
		}, m)
	})
	if err != nil {
		return 0, err
	}

	e.logger.Info("winnings-claimed",
		zap.String("market", key.String()),
		zap.String("winner", winner.String()),
		zap.Uint64("payout", payout),
		zap.String("payout_sol", domain.FormatSOL(payout)),
	)
	e.metrics.RecordPaidOut("payout", payout)
	return payout, nil
}

// CancelMarket cancels a Pending market that has no participants.
func (e *Engine) CancelMarket(ctx context.Context, key domain.MarketKey, caller domain.Address) (*domain.Market, error) {
	var cancelled *domain.Market

	err := e.run(ctx, "cancel_market", key, func(ctx context.Context, tx storage.Tx, rec *recorder) error {
		m, err := loadMarket(ctx, tx, key)
		if err != nil {
			return err
		}
		if caller != m.Creator {
			return ErrUnauthorized
		}
		if m.Status != domain.MarketStatusPending || m.TotalParticipants != 0 {
			return ErrCannotCancel
		}

		m.Status = domain.MarketStatusCancelled
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return fmt.Errorf("update market: %w", err)
		}

		cancelled = m
		return rec.emit(ctx, tx, &domain.SettlementEvent{
			Kind:   domain.EventMarketCancelled,
			Market: m.Address,
			Actor:  caller,
		}, m)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("market-cancelled", zap.String("market", key.String()))
	e.metrics.RecordTransition(string(domain.MarketStatusCancelled))
	return cancelled, nil
}

// RefundStake returns a participant's whole stake from a Cancelled market.
// Returns the lamports transferred.
func (e *Engine) RefundStake(ctx context.Context, key domain.MarketKey, bettor domain.Address) (uint64, error) {
	var refund uint64

	err := e.run(ctx, "refund_stake", key, func(ctx context.Context, tx storage.Tx, rec *recorder) error {
		m, err := loadMarket(ctx, tx, key)
		if err != nil {
			return err
		}
		if m.Status != domain.MarketStatusCancelled {
			return ErrMarketNotCancelled
		}
		p, err := loadParticipant(ctx, tx, m, bettor)
		if err != nil {
			return err
		}
		if p.Claimed {
			return ErrAlreadyClaimed
		}
		if err := e.checkEscrow(ctx, tx, m, p.Stake); err != nil {
			return err
		}

		if err := custody.Transfer(ctx, tx, custody.VaultAuthorityFor(e.programID, m), m.Vault, bettor, p.Stake); err != nil {
			return err
		}
		p.Claimed = true
		if err := tx.UpdateParticipant(ctx, p); err != nil {
			return fmt.Errorf("update participant: %w", err)
		}

		refund = p.Stake
		return rec.emit(ctx, tx, &domain.SettlementEvent{
			Kind:   domain.EventStakeRefunded,
			Market: m.Address,
			Actor:  bettor,
			Amount: p.Stake,
		}, m)
	})
	if err != nil {
		return 0, err
	}

	e.logger.Info("stake-refunded",
		zap.String("market", key.String()),
		zap.String("bettor", bettor.String()),
		zap.Uint64("amount", refund),
	)
	e.metrics.RecordPaidOut("refund", refund)
	return refund, nil
}

func (e *Engine) checkEscrow(ctx context.Context, tx storage.Tx, m *domain.Market, amount uint64) error {
	bal, err := tx.Balance(ctx, m.Vault)
	if err != nil {
		return fmt.Errorf("vault balance: %w", err)
	}
	if bal < amount {
		return ErrInsufficientEscrow
	}
	return nil
}

func loadMarket(ctx context.Context, tx storage.Tx, key domain.MarketKey) (*domain.Market, error) {
	m, err := tx.GetMarket(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	return m, nil
}

func loadParticipant(ctx context.Context, tx storage.Tx, m *domain.Market, bettor domain.Address) (*domain.Participant, error) {
	p, found, err := tx.LookupParticipant(ctx, domain.ParticipantKey{Market: m.Address, Bettor: bettor})
	if err != nil {
		return nil, fmt.Errorf("lookup participant: %w", err)
	}
	if !found {
		return nil, ErrParticipantNotFound
	}
	return p, nil
}

// recorder carries the operation timestamp and collects the events an
// atomic unit appends, for fan-out once it commits.
type recorder struct {
	now    int64
	events []*domain.SettlementEvent
}

func (r *recorder) emit(ctx context.Context, tx storage.Tx, ev *domain.SettlementEvent, m *domain.Market) error {
	ev.Creator = m.Creator
	ev.MarketIndex = m.MarketIndex
	ev.Timestamp = r.now
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	r.events = append(r.events, ev)
	return nil
}

// run executes fn as one atomic unit on key, then records the result and
// fans committed events out to the sinks.
func (e *Engine) run(ctx context.Context, op string, key domain.MarketKey, fn func(ctx context.Context, tx storage.Tx, rec *recorder) error) error {
	start := time.Now()
	rec := &recorder{now: e.clock.Now().Unix()}

	err := e.store.Atomically(ctx, key, func(ctx context.Context, tx storage.Tx) error {
		rec.events = rec.events[:0]
		return fn(ctx, tx, rec)
	})
	err = translate(err)
	e.metrics.RecordOperation(op, resultLabel(err), time.Since(start).Seconds())

	if err != nil {
		if KindOf(err) == KindInternal {
			e.logger.Error("operation-failed",
				zap.String("operation", op),
				zap.String("market", key.String()),
				zap.Error(err),
			)
		} else {
			e.logger.Debug("operation-rejected",
				zap.String("operation", op),
				zap.String("market", key.String()),
				zap.String("code", CodeOf(err)),
			)
		}
		return err
	}

	if e.cache != nil {
		e.cache.Invalidate(key)
	}
	e.publish(ctx, rec.events)
	return nil
}

func (e *Engine) publish(ctx context.Context, events []*domain.SettlementEvent) {
	if len(events) == 0 {
		return
	}
	for _, sink := range e.sinks {
		err := sink.Publish(ctx, events)
		e.metrics.RecordPublish(sinkName(sink), len(events), err)
		if err != nil {
			e.logger.Warn("event-publish-failed",
				zap.String("sink", sinkName(sink)),
				zap.Int("events", len(events)),
				zap.Error(err),
			)
		}
	}
}

func sinkName(s EventSink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return CodeOf(err)
}

// translate maps ledger errors into engine errors, keeping the cause.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, custody.ErrInsufficientFunds):
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case errors.Is(err, custody.ErrBalanceOverflow):
		return fmt.Errorf("%w: %w", ErrArithmeticOverflow, err)
	}
	return err
}
