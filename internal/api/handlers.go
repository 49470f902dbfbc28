package api

import (
	"net/http"

	"go.uber.org/zap"

	"predict-duel/internal/domain"
	"predict-duel/internal/settlement"
)

type handler struct {
	engine *settlement.Engine
	logger *zap.Logger
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /markets
func (h *handler) createMarket(w http.ResponseWriter, r *http.Request) {
	creator, err := caller(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req createMarketRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	m, err := h.engine.CreateMarket(r.Context(), settlement.CreateMarketParams{
		Creator:     creator,
		MarketIndex: req.MarketIndex,
		Question:    req.Question,
		Category:    domain.MarketCategory(req.Category),
		MarketType:  domain.MarketType(req.MarketType),
		StakeAmount: req.StakeAmount,
		Deadline:    req.Deadline,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newMarketResponse(m))
}

// GET /markets?creator=...
func (h *handler) listMarkets(w http.ResponseWriter, r *http.Request) {
	creator, err := domain.ParseAddress(r.URL.Query().Get("creator"))
	if err != nil {
		h.writeError(w, r, badRequest("invalid creator: %v", err))
		return
	}
	markets, err := h.engine.ListMarkets(r.Context(), creator)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]marketResponse, 0, len(markets))
	for _, m := range markets {
		out = append(out, newMarketResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getMarket(w http.ResponseWriter, r *http.Request) {
	key, err := marketKeyParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	m, err := h.engine.GetMarket(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketResponse(m))
}

// POST /markets/{creator}/{index}/bets
func (h *handler) placeBet(w http.ResponseWriter, r *http.Request) {
	key, bettor, ok := h.keyAndCaller(w, r)
	if !ok {
		return
	}
	var req placeBetRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Prediction == nil {
		h.writeError(w, r, badRequest("prediction is required"))
		return
	}

	p, err := h.engine.PlaceBet(r.Context(), key, bettor, *req.Prediction, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newParticipantResponse(p))
}

// POST /markets/{creator}/{index}/resolve
func (h *handler) resolveMarket(w http.ResponseWriter, r *http.Request) {
	key, resolver, ok := h.keyAndCaller(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Outcome == nil {
		h.writeError(w, r, badRequest("outcome is required"))
		return
	}

	m, err := h.engine.ResolveMarket(r.Context(), key, resolver, *req.Outcome)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketResponse(m))
}

// POST /markets/{creator}/{index}/claim
func (h *handler) claimWinnings(w http.ResponseWriter, r *http.Request) {
	key, winner, ok := h.keyAndCaller(w, r)
	if !ok {
		return
	}
	payout, err := h.engine.ClaimWinnings(r.Context(), key, winner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAmountResponse(payout))
}

// POST /markets/{creator}/{index}/cancel
func (h *handler) cancelMarket(w http.ResponseWriter, r *http.Request) {
	key, creator, ok := h.keyAndCaller(w, r)
	if !ok {
		return
	}
	m, err := h.engine.CancelMarket(r.Context(), key, creator)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketResponse(m))
}

// POST /markets/{creator}/{index}/refund
func (h *handler) refundStake(w http.ResponseWriter, r *http.Request) {
	key, bettor, ok := h.keyAndCaller(w, r)
	if !ok {
		return
	}
	refunded, err := h.engine.RefundStake(r.Context(), key, bettor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAmountResponse(refunded))
}

func (h *handler) listParticipants(w http.ResponseWriter, r *http.Request) {
	key, err := marketKeyParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ps, err := h.engine.ListParticipants(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]participantResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, newParticipantResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getParticipant(w http.ResponseWriter, r *http.Request) {
	key, bettor, ok := h.keyAndAddress(w, r, "bettor")
	if !ok {
		return
	}
	p, err := h.engine.GetParticipant(r.Context(), key, bettor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newParticipantResponse(p))
}

// GET /markets/{creator}/{index}/quote/{bettor}
func (h *handler) quote(w http.ResponseWriter, r *http.Request) {
	key, bettor, ok := h.keyAndAddress(w, r, "bettor")
	if !ok {
		return
	}
	q, err := h.engine.Quote(r.Context(), key, bettor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		Participant: newParticipantResponse(q.Participant),
		Payout:      q.Payout,
		PayoutSOL:   domain.FormatSOL(q.Payout),
		Final:       q.Final,
	})
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	key, err := marketKeyParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	evs, err := h.engine.Events(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEventsResponse(evs))
}

func (h *handler) vaultBalance(w http.ResponseWriter, r *http.Request) {
	key, err := marketKeyParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	bal, err := h.engine.VaultBalance(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAmountResponse(bal))
}

func (h *handler) getAccount(w http.ResponseWriter, r *http.Request) {
	account, err := addressParam(r, "address")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	bal, err := h.engine.Balance(r.Context(), account)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		Address:    account.String(),
		Balance:    bal,
		BalanceSOL: domain.FormatSOL(bal),
	})
}

// POST /accounts/{address}/deposit
func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	account, err := addressParam(r, "address")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req depositRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.engine.Deposit(r.Context(), account, req.Amount); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.getAccount(w, r)
}

func (h *handler) keyAndCaller(w http.ResponseWriter, r *http.Request) (domain.MarketKey, domain.Address, bool) {
	key, err := marketKeyParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return key, domain.Address{}, false
	}
	who, err := caller(r)
	if err != nil {
		h.writeError(w, r, err)
		return key, domain.Address{}, false
	}
	return key, who, true
}

func (h *handler) keyAndAddress(w http.ResponseWriter, r *http.Request, name string) (domain.MarketKey, domain.Address, bool) {
	key, err := marketKeyParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return key, domain.Address{}, false
	}
	a, err := addressParam(r, name)
	if err != nil {
		h.writeError(w, r, err)
		return key, domain.Address{}, false
	}
	return key, a, true
}
