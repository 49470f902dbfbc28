package settlement

import "predict-duel/internal/domain"

// ResolutionPolicy decides who may assert the outcome of a market.
type ResolutionPolicy interface {
	CanResolve(m *domain.Market, resolver domain.Address) bool
}

// CreatorOnly lets only the market creator resolve.
type CreatorOnly struct{}

// CanResolve implements ResolutionPolicy.
func (CreatorOnly) CanResolve(m *domain.Market, resolver domain.Address) bool {
	return m.Creator == resolver
}

// ResolutionPolicyFunc adapts a function to ResolutionPolicy.
type ResolutionPolicyFunc func(m *domain.Market, resolver domain.Address) bool

// CanResolve implements ResolutionPolicy.
func (f ResolutionPolicyFunc) CanResolve(m *domain.Market, resolver domain.Address) bool {
	return f(m, resolver)
}
