package domain

import "fmt"

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusPending   MarketStatus = "PENDING"
	MarketStatusActive    MarketStatus = "ACTIVE"
	MarketStatusResolved  MarketStatus = "RESOLVED"
	MarketStatusCancelled MarketStatus = "CANCELLED"
)

// String returns the string representation of MarketStatus.
func (s MarketStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a known value.
func (s MarketStatus) IsValid() bool {
	switch s {
	case MarketStatusPending, MarketStatusActive, MarketStatusResolved, MarketStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s MarketStatus) IsTerminal() bool {
	return s == MarketStatusResolved || s == MarketStatusCancelled
}

// AcceptsStakes reports whether bets may be placed in state s.
func (s MarketStatus) AcceptsStakes() bool {
	return s == MarketStatusPending || s == MarketStatusActive
}

// MarketCategory classifies the subject of a market.
type MarketCategory string

const (
	CategoryCrypto  MarketCategory = "CRYPTO"
	CategoryWeather MarketCategory = "WEATHER"
	CategorySports  MarketCategory = "SPORTS"
	CategoryMeme    MarketCategory = "MEME"
	CategoryLocal   MarketCategory = "LOCAL"
	CategoryOther   MarketCategory = "OTHER"
)

// IsValid checks if the category is a known value.
func (c MarketCategory) IsValid() bool {
	switch c {
	case CategoryCrypto, CategoryWeather, CategorySports, CategoryMeme, CategoryLocal, CategoryOther:
		return true
	}
	return false
}

// MarketType distinguishes open markets from head-to-head challenges.
type MarketType string

const (
	MarketTypePublic    MarketType = "PUBLIC"
	MarketTypeChallenge MarketType = "CHALLENGE"
)

// IsValid checks if the market type is a known value.
func (t MarketType) IsValid() bool {
	return t == MarketTypePublic || t == MarketTypeChallenge
}

// MarketKey identifies a market by its creator and per-creator index.
type MarketKey struct {
	Creator Address
	Index   uint64
}

// String returns "creator/index".
func (k MarketKey) String() string {
	return fmt.Sprintf("%s/%d", k.Creator, k.Index)
}

// Market is one binary prediction question with its escrow accounting.
// Corresponds to the markets table.
type Market struct {
	Address     Address // market PDA
	Vault       Address // vault PDA holding the pooled stakes
	Bump        uint8
	VaultBump   uint8
	Creator     Address
	MarketIndex uint64

	Question    string
	Category    MarketCategory
	MarketType  MarketType
	StakeAmount uint64 // advisory minimum recorded at creation
	Deadline    int64  // unix seconds

	Status            MarketStatus
	PoolSize          uint64 // yes_pool + no_pool
	YesCount          uint32
	NoCount           uint32
	YesPool           uint64
	NoPool            uint64
	TotalParticipants uint32
	Outcome           *bool // nil until resolved

	CreatedAt int64 // unix seconds
}

// Key returns the storage key of the market.
func (m *Market) Key() MarketKey {
	return MarketKey{Creator: m.Creator, Index: m.MarketIndex}
}

// Clone returns a deep copy of m.
func (m *Market) Clone() *Market {
	c := *m
	if m.Outcome != nil {
		o := *m.Outcome
		c.Outcome = &o
	}
	return &c
}

// WinningPool returns the sub-pool of the given side.
func (m *Market) WinningPool(side bool) uint64 {
	if side {
		return m.YesPool
	}
	return m.NoPool
}

// SideLabel renders a prediction as YES/NO.
func SideLabel(side bool) string {
	if side {
		return "YES"
	}
	return "NO"
}
