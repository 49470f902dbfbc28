package domain

// ParticipantKey identifies one bettor's position in one market.
type ParticipantKey struct {
	Market Address // market PDA
	Bettor Address
}

// Participant is a bettor's cumulative position in a market.
// Corresponds to the participants table.
type Participant struct {
	Address    Address // participant PDA
	Bump       uint8
	Market     Address
	Bettor     Address
	Prediction bool // true = YES
	Stake      uint64
	Claimed    bool
}

// Key returns the storage key of the participant.
func (p *Participant) Key() ParticipantKey {
	return ParticipantKey{Market: p.Market, Bettor: p.Bettor}
}
