// Package callid implements the canonical CallId form shared by both
// legs of a conversation: a 128-bit identifier in textual 8-4-4-4-12 hex
// form with dashes. The wire form (the raw 16 bytes of an AudioSocket ID
// frame) must round-trip exactly to this textual form — this package is
// the single place that conversion happens.
package callid

import (
	"fmt"

	"github.com/google/uuid"
)

// CallId is the canonical identifier of a conversation.
type CallId struct {
	u uuid.UUID
}

// New generates a fresh CallId for an outbound intent (the server issues
// the first ID frame of a conversation it initiates).
func New() CallId {
	return CallId{u: uuid.New()}
}

// FromWire parses the raw 16-byte payload of an inbound ID frame.
func FromWire(raw []byte) (CallId, error) {
	if len(raw) != 16 {
		return CallId{}, fmt.Errorf("callid: wire payload must be 16 bytes, got %d", len(raw))
	}
	u, err := uuid.FromBytes(raw)
	if err != nil {
		return CallId{}, fmt.Errorf("callid: %w", err)
	}
	return CallId{u: u}, nil
}

// Parse parses the canonical 8-4-4-4-12 textual form.
func Parse(s string) (CallId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return CallId{}, fmt.Errorf("callid: %w", err)
	}
	return CallId{u: u}, nil
}

// Bytes returns the raw 16-byte wire form, exactly what was (or would be)
// carried in an ID frame payload.
func (c CallId) Bytes() [16]byte {
	return c.u
}

// String returns the canonical 8-4-4-4-12 hex-with-dashes form. This is
// the only textual form ever placed on the wire or logged — the
// hex-without-dashes form is never emitted.
func (c CallId) String() string {
	return c.u.String()
}

// IsZero reports whether c is the zero-value CallId (never a valid,
// generated or parsed id).
func (c CallId) IsZero() bool {
	return c.u == uuid.Nil
}
