package custody

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predict-duel/internal/domain"
)

func testAddress(b byte) domain.Address {
	var a domain.Address
	for i := range a {
		a[i] = b
	}
	return a
}

func TestFindProgramAddress_Deterministic(t *testing.T) {
	programID := testAddress(7)
	creator := testAddress(1)

	addr1, bump1, err := FindProgramAddress(MarketSeeds(creator, 42), programID)
	require.NoError(t, err)
	addr2, bump2, err := FindProgramAddress(MarketSeeds(creator, 42), programID)
	require.NoError(t, err)

	assert.Equal(t, addr1, addr2)
	assert.Equal(t, bump1, bump2)
	assert.False(t, isOnCurve(addr1[:]), "PDA must be off curve")
}

func TestFindProgramAddress_BumpReproducesAddress(t *testing.T) {
	programID := testAddress(9)
	creator := testAddress(3)

	addr, bump, err := FindProgramAddress(VaultSeeds(creator, 5), programID)
	require.NoError(t, err)

	seeds := append(VaultSeeds(creator, 5), []byte{bump})
	again, err := CreateProgramAddress(seeds, programID)
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func TestDeriveMarket_DistinctAccounts(t *testing.T) {
	programID := testAddress(7)
	creator := testAddress(1)

	a, err := DeriveMarket(programID, creator, 0)
	require.NoError(t, err)
	b, err := DeriveMarket(programID, creator, 1)
	require.NoError(t, err)
	other, err := DeriveMarket(programID, testAddress(2), 0)
	require.NoError(t, err)

	assert.NotEqual(t, a.Market, a.Vault, "market and vault must differ")
	assert.NotEqual(t, a.Market, b.Market, "index must disambiguate")
	assert.NotEqual(t, a.Vault, b.Vault)
	assert.NotEqual(t, a.Market, other.Market, "creator must disambiguate")
}

func TestDeriveParticipant_PerBettor(t *testing.T) {
	programID := testAddress(7)
	market := testAddress(4)

	p1, _, err := DeriveParticipant(programID, market, testAddress(10))
	require.NoError(t, err)
	p2, _, err := DeriveParticipant(programID, market, testAddress(11))
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
}

func TestCreateProgramAddress_InvalidSeeds(t *testing.T) {
	long := make([]byte, MaxSeedLen+1)
	_, err := CreateProgramAddress([][]byte{long}, testAddress(1))
	assert.ErrorIs(t, err, ErrInvalidSeeds)

	many := make([][]byte, MaxSeeds+1)
	_, err = CreateProgramAddress(many, testAddress(1))
	assert.ErrorIs(t, err, ErrInvalidSeeds)
}

func TestVaultAuthority_Authorizes(t *testing.T) {
	programID := testAddress(7)
	creator := testAddress(1)

	addrs, err := DeriveMarket(programID, creator, 3)
	require.NoError(t, err)

	auth := NewVaultAuthority(programID, creator, 3, addrs.VaultBump)
	assert.True(t, auth.Authorizes(addrs.Vault))
	assert.False(t, auth.Authorizes(addrs.Market))
	assert.False(t, auth.Authorizes(creator))

	other := NewVaultAuthority(programID, creator, 4, addrs.VaultBump)
	assert.False(t, other.Authorizes(addrs.Vault), "authority for another index must not debit this vault")
}

func TestBettorSigner_Authorizes(t *testing.T) {
	bettor := testAddress(10)
	s := BettorSigner(bettor)
	assert.True(t, s.Authorizes(bettor))
	assert.False(t, s.Authorizes(testAddress(11)))
}
