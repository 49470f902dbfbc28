package custody

import (
	"predict-duel/internal/domain"
)

// Signer is the capability to debit an account. The settlement engine never
// sees key material: a bettor's signer stands for a signature already
// verified at the boundary, a vault's signer is rebuilt from its seeds.
type Signer interface {
	Authorizes(account domain.Address) bool
}

// BettorSigner authorizes debits from exactly one wallet.
type BettorSigner domain.Address

// Authorizes implements Signer.
func (s BettorSigner) Authorizes(account domain.Address) bool {
	return domain.Address(s) == account
}

// VaultAuthority is the authority to debit one market's vault.
type VaultAuthority struct {
	programID domain.Address
	creator   domain.Address
	index     uint64
	bump      uint8
}

// NewVaultAuthority builds the signing capability for the vault of
// (creator, index) under programID, pinned to bump.
func NewVaultAuthority(programID, creator domain.Address, index uint64, bump uint8) VaultAuthority {
	return VaultAuthority{programID: programID, creator: creator, index: index, bump: bump}
}

// VaultAuthorityFor builds the vault authority from a stored market.
func VaultAuthorityFor(programID domain.Address, m *domain.Market) VaultAuthority {
	return NewVaultAuthority(programID, m.Creator, m.MarketIndex, m.VaultBump)
}

// Address re-derives the vault address from the authority's seeds.
func (a VaultAuthority) Address() (domain.Address, error) {
	seeds := append(VaultSeeds(a.creator, a.index), []byte{a.bump})
	return CreateProgramAddress(seeds, a.programID)
}

// Authorizes implements Signer. Only the address the seeds derive to passes.
func (a VaultAuthority) Authorizes(account domain.Address) bool {
	addr, err := a.Address()
	if err != nil {
		return false
	}
	return addr == account
}
