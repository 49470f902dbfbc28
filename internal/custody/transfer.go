package custody

import (
	"context"
	"errors"
	"fmt"

	"predict-duel/internal/domain"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the account balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnauthorizedDebit is returned when the signer may not debit the source.
	ErrUnauthorizedDebit = errors.New("signer does not authorize debit")

	// ErrBalanceOverflow is returned when a credit would overflow uint64.
	ErrBalanceOverflow = errors.New("balance overflow")

	// ErrZeroAmount is returned for zero-lamport transfers.
	ErrZeroAmount = errors.New("transfer amount must be positive")
)

// Accounts is a lamport ledger. Implementations run inside the caller's
// atomic unit, so a failed operation rolls back every debit and credit.
type Accounts interface {
	// Balance returns the lamports held by account. Unknown accounts hold 0.
	Balance(ctx context.Context, account domain.Address) (uint64, error)

	// Debit removes amount from account, or returns ErrInsufficientFunds
	// without changing anything. Check and debit are one step.
	Debit(ctx context.Context, account domain.Address, amount uint64) error

	// Credit adds amount to account. Returns ErrBalanceOverflow on overflow.
	Credit(ctx context.Context, account domain.Address, amount uint64) error
}

// Transfer moves amount lamports from one account to another. The signer
// must authorize the source account.
func Transfer(ctx context.Context, accts Accounts, signer Signer, from, to domain.Address, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	if signer == nil || !signer.Authorizes(from) {
		return fmt.Errorf("%w: %s", ErrUnauthorizedDebit, from)
	}
	if err := accts.Debit(ctx, from, amount); err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if err := accts.Credit(ctx, to, amount); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return nil
}
