// Package custody derives per-market holding accounts and moves lamports
// between them without holding any private keys.
package custody

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"predict-duel/internal/domain"
)

// Seed limits enforced by the Solana runtime.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

// Seed prefixes for the accounts a market owns.
var (
	SeedMarket      = []byte("market")
	SeedMarketVault = []byte("market_vault")
	SeedParticipant = []byte("participant")
)

const pdaMarker = "ProgramDerivedAddress"

var (
	// ErrOnCurve is returned when a seed set hashes onto the ed25519 curve.
	ErrOnCurve = errors.New("derived address is on the ed25519 curve")

	// ErrNoViableBump is returned when no bump in 255..1 yields an off-curve address.
	ErrNoViableBump = errors.New("no viable bump seed")

	// ErrInvalidSeeds is returned for too many or too long seeds.
	ErrInvalidSeeds = errors.New("invalid seeds")
)

// CreateProgramAddress hashes seeds and programID into an address.
// The result must be off the ed25519 curve so no private key can exist for it.
func CreateProgramAddress(seeds [][]byte, programID domain.Address) (domain.Address, error) {
	if len(seeds) > MaxSeeds {
		return domain.Address{}, fmt.Errorf("%w: %d seeds", ErrInvalidSeeds, len(seeds))
	}

	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return domain.Address{}, fmt.Errorf("%w: seed of %d bytes", ErrInvalidSeeds, len(seed))
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))

	addr, err := domain.AddressFromBytes(h.Sum(nil))
	if err != nil {
		return domain.Address{}, err
	}

	if isOnCurve(addr[:]) {
		return domain.Address{}, ErrOnCurve
	}
	return addr, nil
}

// FindProgramAddress walks bumps from 255 down to 1 and returns the first
// off-curve address along with its bump.
func FindProgramAddress(seeds [][]byte, programID domain.Address) (domain.Address, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)

	for bump := 255; bump > 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return domain.Address{}, 0, err
		}
	}
	return domain.Address{}, 0, ErrNoViableBump
}

func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}

func indexSeed(index uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, index)
	return b
}

// MarketSeeds returns the seeds of the market record account.
func MarketSeeds(creator domain.Address, index uint64) [][]byte {
	return [][]byte{SeedMarket, creator[:], indexSeed(index)}
}

// VaultSeeds returns the seeds of the market's escrow vault.
func VaultSeeds(creator domain.Address, index uint64) [][]byte {
	return [][]byte{SeedMarketVault, creator[:], indexSeed(index)}
}

// ParticipantSeeds returns the seeds of a bettor's participant account.
func ParticipantSeeds(market, bettor domain.Address) [][]byte {
	return [][]byte{SeedParticipant, market[:], bettor[:]}
}

// MarketAddresses holds the derived accounts of one market.
type MarketAddresses struct {
	Market    domain.Address
	Bump      uint8
	Vault     domain.Address
	VaultBump uint8
}

// DeriveMarket derives the market and vault PDAs for (creator, index).
func DeriveMarket(programID, creator domain.Address, index uint64) (MarketAddresses, error) {
	market, bump, err := FindProgramAddress(MarketSeeds(creator, index), programID)
	if err != nil {
		return MarketAddresses{}, fmt.Errorf("derive market address: %w", err)
	}
	vault, vaultBump, err := FindProgramAddress(VaultSeeds(creator, index), programID)
	if err != nil {
		return MarketAddresses{}, fmt.Errorf("derive vault address: %w", err)
	}
	return MarketAddresses{Market: market, Bump: bump, Vault: vault, VaultBump: vaultBump}, nil
}

// DeriveParticipant derives the participant PDA for (market, bettor).
func DeriveParticipant(programID, market, bettor domain.Address) (domain.Address, uint8, error) {
	addr, bump, err := FindProgramAddress(ParticipantSeeds(market, bettor), programID)
	if err != nil {
		return domain.Address{}, 0, fmt.Errorf("derive participant address: %w", err)
	}
	return addr, bump, nil
}
