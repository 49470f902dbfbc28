package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"predict-duel/internal/domain"
	"predict-duel/internal/storage"
)

// GetMarket returns the committed state of a market.
func (e *Engine) GetMarket(ctx context.Context, key domain.MarketKey) (*domain.Market, error) {
	var gen uint64
	if e.cache != nil {
		if m, ok := e.cache.Get(key); ok {
			return m, nil
		}
		gen = e.cache.Generation(key)
	}

	m, err := e.store.Reader().GetMarket(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}

	if e.cache != nil {
		e.cache.Set(m, gen)
	}
	return m, nil
}

// ListMarkets returns all markets opened by creator, ordered by index.
func (e *Engine) ListMarkets(ctx context.Context, creator domain.Address) ([]*domain.Market, error) {
	markets, err := e.store.Reader().ListMarkets(ctx, creator)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	return markets, nil
}

// GetParticipant returns bettor's position in a market.
func (e *Engine) GetParticipant(ctx context.Context, key domain.MarketKey, bettor domain.Address) (*domain.Participant, error) {
	m, err := e.GetMarket(ctx, key)
	if err != nil {
		return nil, err
	}

	p, err := e.store.Reader().GetParticipant(ctx, domain.ParticipantKey{Market: m.Address, Bettor: bettor})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

// ListParticipants returns every position in a market.
func (e *Engine) ListParticipants(ctx context.Context, key domain.MarketKey) ([]*domain.Participant, error) {
	m, err := e.GetMarket(ctx, key)
	if err != nil {
		return nil, err
	}

	ps, err := e.store.Reader().ListParticipants(ctx, m.Address)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return ps, nil
}

// VaultBalance returns the lamports currently escrowed by a market.
func (e *Engine) VaultBalance(ctx context.Context, key domain.MarketKey) (uint64, error) {
	m, err := e.GetMarket(ctx, key)
	if err != nil {
		return 0, err
	}
	return e.Balance(ctx, m.Vault)
}

// Balance returns the ledger balance of any account.
func (e *Engine) Balance(ctx context.Context, account domain.Address) (uint64, error) {
	bal, err := e.store.Reader().Balance(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	return bal, nil
}

// Events returns a market's settlement events in sequence order.
func (e *Engine) Events(ctx context.Context, key domain.MarketKey) ([]*domain.SettlementEvent, error) {
	m, err := e.GetMarket(ctx, key)
	if err != nil {
		return nil, err
	}

	events, err := e.store.Reader().GetEvents(ctx, m.Address)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	return events, nil
}

// Deposit credits a wallet on the ledger. Used as a local faucet.
func (e *Engine) Deposit(ctx context.Context, account domain.Address, amount uint64) error {
	if account.IsZero() {
		return ErrInvalidIdentity
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	if err := e.store.Deposit(ctx, account, amount); err != nil {
		return fmt.Errorf("deposit: %w", translate(err))
	}
	e.logger.Info("deposit",
		zap.String("account", account.String()),
		zap.Uint64("amount", amount),
	)
	return nil
}

// Quote is the amount a participant would receive from a market now.
type Quote struct {
	Participant *domain.Participant
	Payout      uint64
	// Final is true once the market is Resolved or Cancelled. Before that,
	// Payout assumes the participant's side wins with the current pools.
	Final bool
}

// Quote computes a participant's payout with the claim arithmetic and
// no effects.
func (e *Engine) Quote(ctx context.Context, key domain.MarketKey, bettor domain.Address) (*Quote, error) {
	m, err := e.GetMarket(ctx, key)
	if err != nil {
		return nil, err
	}
	p, err := e.GetParticipant(ctx, key, bettor)
	if err != nil {
		return nil, err
	}

	q := &Quote{Participant: p}
	switch m.Status {
	case domain.MarketStatusResolved:
		if q.Payout, err = PayoutFor(m, p); err != nil {
			return nil, err
		}
		q.Final = true
	case domain.MarketStatusCancelled:
		if p.Claimed {
			return nil, ErrAlreadyClaimed
		}
		q.Payout = p.Stake
		q.Final = true
	default:
		if q.Payout, err = CalculatePayout(p.Stake, m.PoolSize, m.WinningPool(p.Prediction)); err != nil {
			return nil, err
		}
	}
	return q, nil
}
