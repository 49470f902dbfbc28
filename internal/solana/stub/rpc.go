package stub

import (
	"context"
	"errors"
	"sync"

	"predict-duel/internal/domain"
	"predict-duel/internal/solana"
)

// ErrUnavailable is returned for every call once Fail is set.
var ErrUnavailable = errors.New("rpc unavailable")

// RPCClient implements solana.RPCClient for testing.
type RPCClient struct {
	mu       sync.Mutex
	Accounts map[domain.Address]uint64
	Slot     uint64
	Fail     bool
	Calls    int
}

var _ solana.RPCClient = (*RPCClient)(nil)

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{Accounts: make(map[domain.Address]uint64)}
}

// SetBalance records the on-chain lamports of an account.
func (c *RPCClient) SetBalance(account domain.Address, lamports uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Accounts[account] = lamports
}

// GetBalance returns the stored lamports, or 0 for unknown accounts.
func (c *RPCClient) GetBalance(_ context.Context, account domain.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	if c.Fail {
		return 0, ErrUnavailable
	}
	return c.Accounts[account], nil
}

// GetMultipleAccounts returns nil entries for unknown accounts.
func (c *RPCClient) GetMultipleAccounts(_ context.Context, accounts []domain.Address) ([]*solana.AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	if c.Fail {
		return nil, ErrUnavailable
	}

	out := make([]*solana.AccountInfo, len(accounts))
	for i, a := range accounts {
		if lamports, ok := c.Accounts[a]; ok {
			out[i] = &solana.AccountInfo{Lamports: lamports}
		}
	}
	return out, nil
}

// GetSlot returns Slot.
func (c *RPCClient) GetSlot(_ context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail {
		return 0, ErrUnavailable
	}
	return c.Slot, nil
}
