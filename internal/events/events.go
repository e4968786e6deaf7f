// Package events defines the notification emitted whenever the ledger
// surfaces an inconsistency, and the transport-neutral ports to send and
// receive it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chitieu/internal/core"
)

// Inconsistency tells repair workers that a membership needs reconciling.
// It carries ids only; the worker reads current state from the store.
type Inconsistency struct {
	DiscrepancyID string    `json:"discrepancy_id"`
	Operation     string    `json:"operation"`
	MembershipID  string    `json:"membership_id"`
	GroupID       string    `json:"group_id"`
	UserID        string    `json:"user_id"`
	EntryID       string    `json:"entry_id,omitempty"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewInconsistency builds the notification for a recorded discrepancy.
func NewInconsistency(d *core.Discrepancy) *Inconsistency {
	return &Inconsistency{
		DiscrepancyID: d.ID,
		Operation:     d.Operation,
		MembershipID:  d.MembershipID,
		GroupID:       d.GroupID,
		UserID:        d.UserID,
		EntryID:       d.EntryID,
		Reason:        d.Reason,
		Timestamp:     time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *Inconsistency) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// InconsistencyFromJSON decodes and validates a message body.
func InconsistencyFromJSON(data []byte) (*Inconsistency, error) {
	var msg Inconsistency
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.MembershipID == "" {
		return nil, fmt.Errorf("inconsistency message without membership_id")
	}
	return &msg, nil
}

// Handler processes one delivered notification. Returning an error asks the
// transport to redeliver it.
type Handler func(ctx context.Context, msg *Inconsistency) error

type Publisher interface {
	PublishInconsistency(ctx context.Context, msg *Inconsistency) error
	Close() error
}

type Consumer interface {
	ConsumeInconsistencies(ctx context.Context, handler Handler) error
	Close() error
}

// Nop drops every notification. Used when no broker is configured; the
// durable discrepancy record still lets the repair sweep find the problem.
type Nop struct{}

func (Nop) PublishInconsistency(context.Context, *Inconsistency) error { return nil }

func (Nop) Close() error { return nil }
