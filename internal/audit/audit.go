package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"arbiter/internal/consensus"
)

// Record is the externally verifiable summary of one evaluated round. Field
// order is fixed and all values are scalar or sorted, so CanonicalBytes is
// deterministic: two runs over the same round produce identical bytes and
// an external signer can countersign them.
type Record struct {
	RoundID      string       `json:"round_id"`
	Domain       string       `json:"domain"`
	Outcome      string       `json:"outcome"`
	Value        *bool        `json:"value,omitempty"`
	Agreement    *int64       `json:"agreement,omitempty"`
	HaltReason   string       `json:"halt_reason,omitempty"`
	Participants int          `json:"participants"`
	TotalWeight  int64        `json:"total_weight"`
	AgreeWeight  int64        `json:"agree_weight"`
	Variance     int64        `json:"variance"`
	VarThreshold int64        `json:"variance_threshold"`
	ClosedAtUnix int64        `json:"closed_at"`
	Deltas       []DeltaEntry `json:"deltas,omitempty"`
}

// DeltaEntry is one trust adjustment in a record, ordered by agent id.
type DeltaEntry struct {
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"`
	Rate    int64  `json:"rate"`
}

// NewRecord flattens a round and its result into an audit record.
func NewRecord(round consensus.Round, res consensus.Result) Record {
	rec := Record{
		RoundID:      round.ID,
		Domain:       round.Domain,
		Participants: res.Tally.Participants,
		TotalWeight:  res.Tally.TotalWeight,
		AgreeWeight:  res.Tally.AgreeWeight,
		Variance:     res.Variance.Variance,
		VarThreshold: res.Variance.Threshold,
		ClosedAtUnix: round.ClosedAt.Unix(),
	}
	switch res.Outcome.Kind {
	case consensus.OutcomeAgreed:
		rec.Outcome = "agreed"
		v := res.Outcome.Value
		a := res.Outcome.Agreement
		rec.Value = &v
		rec.Agreement = &a
	case consensus.OutcomeHalted:
		rec.Outcome = "halted"
		rec.HaltReason = res.Outcome.Reason.String()
	}
	for _, d := range res.Deltas {
		rec.Deltas = append(rec.Deltas, DeltaEntry{
			AgentID: d.AgentID,
			Kind:    d.Kind.String(),
			Rate:    d.Rate,
		})
	}
	sort.Slice(rec.Deltas, func(i, j int) bool { return rec.Deltas[i].AgentID < rec.Deltas[j].AgentID })
	return rec
}

// CanonicalBytes renders the record's stable wire form.
func CanonicalBytes(rec Record) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode audit record: %w", err)
	}
	return raw, nil
}

// Checksum is the hex SHA-256 of the canonical bytes, stored alongside the
// payload so tampering with either is detectable.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Decode parses canonical bytes back into a record.
func Decode(payload []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("decode audit record: %w", err)
	}
	return rec, nil
}
