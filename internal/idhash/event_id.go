package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"predict-duel/internal/domain"
)

// ComputeEventID computes a deterministic settlement event_id using SHA256.
// Formula: SHA256(market|sequence|kind|actor|amount|timestamp)
// Returns hex-encoded hash (64 characters).
func ComputeEventID(
	market domain.Address,
	sequence uint64,
	kind domain.EventKind,
	actor domain.Address,
	amount uint64,
	timestamp int64,
) string {
	data := fmt.Sprintf("%s|%d|%s|%s|%d|%d",
		market,
		sequence,
		string(kind),
		actor,
		amount,
		timestamp,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
