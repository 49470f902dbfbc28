package api

import (
	"predict-duel/internal/domain"
	"predict-duel/internal/events"
)

type createMarketRequest struct {
	MarketIndex uint64 `json:"market_index"`
	Question    string `json:"question"`
	Category    string `json:"category"`
	MarketType  string `json:"market_type"`
	StakeAmount uint64 `json:"stake_amount"`
	Deadline    int64  `json:"deadline"`
}

type placeBetRequest struct {
	Prediction *bool  `json:"prediction"`
	Amount     uint64 `json:"amount"`
}

type resolveRequest struct {
	Outcome *bool `json:"outcome"`
}

type depositRequest struct {
	Amount uint64 `json:"amount"`
}

type marketResponse struct {
	Address           string `json:"address"`
	Vault             string `json:"vault"`
	Creator           string `json:"creator"`
	MarketIndex       uint64 `json:"market_index"`
	Question          string `json:"question"`
	Category          string `json:"category"`
	MarketType        string `json:"market_type"`
	StakeAmount       uint64 `json:"stake_amount"`
	Deadline          int64  `json:"deadline"`
	Status            string `json:"status"`
	PoolSize          uint64 `json:"pool_size"`
	YesPool           uint64 `json:"yes_pool"`
	NoPool            uint64 `json:"no_pool"`
	YesCount          uint32 `json:"yes_count"`
	NoCount           uint32 `json:"no_count"`
	TotalParticipants uint32 `json:"total_participants"`
	Outcome           *bool  `json:"outcome"`
	CreatedAt         int64  `json:"created_at"`
}

func newMarketResponse(m *domain.Market) marketResponse {
	return marketResponse{
		Address:           m.Address.String(),
		Vault:             m.Vault.String(),
		Creator:           m.Creator.String(),
		MarketIndex:       m.MarketIndex,
		Question:          m.Question,
		Category:          string(m.Category),
		MarketType:        string(m.MarketType),
		StakeAmount:       m.StakeAmount,
		Deadline:          m.Deadline,
		Status:            m.Status.String(),
		PoolSize:          m.PoolSize,
		YesPool:           m.YesPool,
		NoPool:            m.NoPool,
		YesCount:          m.YesCount,
		NoCount:           m.NoCount,
		TotalParticipants: m.TotalParticipants,
		Outcome:           m.Outcome,
		CreatedAt:         m.CreatedAt,
	}
}

type participantResponse struct {
	Address    string `json:"address"`
	Market     string `json:"market"`
	Bettor     string `json:"bettor"`
	Prediction bool   `json:"prediction"`
	Side       string `json:"side"`
	Stake      uint64 `json:"stake"`
	Claimed    bool   `json:"claimed"`
}

func newParticipantResponse(p *domain.Participant) participantResponse {
	return participantResponse{
		Address:    p.Address.String(),
		Market:     p.Market.String(),
		Bettor:     p.Bettor.String(),
		Prediction: p.Prediction,
		Side:       domain.SideLabel(p.Prediction),
		Stake:      p.Stake,
		Claimed:    p.Claimed,
	}
}

type amountResponse struct {
	Amount    uint64 `json:"amount"`
	AmountSOL string `json:"amount_sol"`
}

func newAmountResponse(lamports uint64) amountResponse {
	return amountResponse{Amount: lamports, AmountSOL: domain.FormatSOL(lamports)}
}

type quoteResponse struct {
	Participant participantResponse `json:"participant"`
	Payout      uint64              `json:"payout"`
	PayoutSOL   string              `json:"payout_sol"`
	Final       bool                `json:"final"`
}

type accountResponse struct {
	Address    string `json:"address"`
	Balance    uint64 `json:"balance"`
	BalanceSOL string `json:"balance_sol"`
}

func newEventsResponse(evs []*domain.SettlementEvent) []events.Message {
	out := make([]events.Message, 0, len(evs))
	for _, ev := range evs {
		out = append(out, events.NewMessage(ev))
	}
	return out
}
