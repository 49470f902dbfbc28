// Package solana is a minimal JSON-RPC client for reading account state
// from a Solana cluster.
package solana

import (
	"context"

	"predict-duel/internal/domain"
)

// RPCClient reads account balances from a cluster.
type RPCClient interface {
	// GetBalance returns the lamports held by an account (0 if absent).
	GetBalance(ctx context.Context, account domain.Address) (uint64, error)

	// GetMultipleAccounts returns account info in input order, with nil for
	// accounts that do not exist.
	GetMultipleAccounts(ctx context.Context, accounts []domain.Address) ([]*AccountInfo, error)

	// GetSlot returns the slot the cluster has reached.
	GetSlot(ctx context.Context) (uint64, error)
}

// MaxAccountsPerRequest is the getMultipleAccounts limit enforced by RPC nodes.
const MaxAccountsPerRequest = 100
