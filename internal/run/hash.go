package run

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefix for content-addressed event identity. The version suffix
// enables future algorithm migration without colliding with old ids.
const domainEvent = "subzero/event/v1"

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null separator prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes the content-addressed id for a run event. The id is
// stable across restarts and replays given the same inputs, which is what
// makes re-appending after a crash idempotent.
func EventID(runID string, seq int64, kind EventKind, from, to State, payload map[string]string) (string, error) {
	obj := map[string]any{
		"run_id": runID,
		"seq":    seq,
		"kind":   string(kind),
		"from":   string(from),
		"to":     string(to),
	}
	if len(payload) > 0 {
		obj["payload"] = payload
	}

	canonical, err := marshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventID: %w", err)
	}
	return hashWithDomain(domainEvent, canonical), nil
}

// MustEventID is like EventID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEventID(runID string, seq int64, kind EventKind, from, to State, payload map[string]string) string {
	id, err := EventID(runID, seq, kind, from, to, payload)
	if err != nil {
		panic(err)
	}
	return id
}

// NewEvent builds an Event with its content-addressed id filled in.
func NewEvent(runID string, seq int64, kind EventKind, from, to State, payload map[string]string) (Event, error) {
	id, err := EventID(runID, seq, kind, from, to, payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:      id,
		RunID:   runID,
		Seq:     seq,
		Kind:    kind,
		From:    from,
		To:      to,
		Payload: payload,
	}, nil
}
