package ledger

import (
	"context"

	"chitieu/internal/core"
)

// MemberLedger is one member's balance together with the entries behind it.
type MemberLedger struct {
	Membership *core.Membership
	Entries    []*core.Entry
}

// Spent sums the entries.
func (l *MemberLedger) Spent() core.Money {
	var total core.Money
	for _, e := range l.Entries {
		total = total.Add(e.Amount)
	}
	return total
}

// GroupLedger lists the group's entries newest first.
func (e *Engine) GroupLedger(ctx context.Context, groupID string) (entries []*core.Entry, err error) {
	ctx, span := e.startSpan(ctx, "GroupLedger", groupID, "")
	defer func() { endSpan(span, err) }()

	entries, err = e.store.ListEntriesByGroup(ctx, groupID)
	if err != nil {
		return nil, unavailable(err)
	}
	return entries, nil
}

// MemberLedger returns the member's current balance and the entries it owns,
// newest first.
func (e *Engine) MemberLedger(ctx context.Context, groupID, userID string) (ledger *MemberLedger, err error) {
	ctx, span := e.startSpan(ctx, "MemberLedger", groupID, userID)
	defer func() { endSpan(span, err) }()

	m, err := e.directory.Resolve(ctx, groupID, userID)
	if err != nil {
		return nil, err
	}
	entries, err := e.store.ListEntriesByMember(ctx, groupID, userID)
	if err != nil {
		return nil, unavailable(err)
	}

	owned := entries[:0]
	for _, entry := range entries {
		if entry.MembershipID == m.ID {
			owned = append(owned, entry)
		}
	}
	return &MemberLedger{Membership: m, Entries: owned}, nil
}
