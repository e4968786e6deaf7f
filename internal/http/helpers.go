package http

import (
	"strings"
	"time"

	"chitieu/internal/core"
	"chitieu/internal/ledger"
)

type membershipView struct {
	ID             string    `json:"id"`
	GroupID        string    `json:"group_id"`
	UserID         string    `json:"user_id"`
	InitialBalance int64     `json:"initial_balance"`
	Balance        int64     `json:"balance"`
	BalanceDisplay string    `json:"balance_display"`
	Version        int64     `json:"version"`
	JoinedAt       time.Time `json:"joined_at"`
}

type entryView struct {
	ID            string    `json:"id"`
	GroupID       string    `json:"group_id"`
	UserID        string    `json:"user_id"`
	MembershipID  string    `json:"membership_id"`
	Amount        int64     `json:"amount"`
	AmountDisplay string    `json:"amount_display"`
	Description   string    `json:"description"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type memberLedgerView struct {
	Member  membershipView `json:"member"`
	Spent   int64          `json:"spent"`
	Entries []entryView    `json:"entries"`
}

type groupLedgerView struct {
	GroupID      string      `json:"group_id"`
	Total        int64       `json:"total"`
	TotalDisplay string      `json:"total_display"`
	Entries      []entryView `json:"entries"`
}

type reconciliationView struct {
	GroupID        string `json:"group_id"`
	UserID         string `json:"user_id"`
	MembershipID   string `json:"membership_id,omitempty"`
	Before         int64  `json:"before"`
	After          int64  `json:"after"`
	Drift          int64  `json:"drift"`
	OrphansRemoved int    `json:"orphans_removed"`
	Resolved       int    `json:"resolved"`
	Changed        bool   `json:"changed"`
}

func toMembershipView(m *core.Membership) membershipView {
	return membershipView{
		ID:             m.ID,
		GroupID:        m.GroupID,
		UserID:         m.UserID,
		InitialBalance: m.InitialBalance.Dong,
		Balance:        m.Balance.Dong,
		BalanceDisplay: m.Balance.String(),
		Version:        m.Version,
		JoinedAt:       m.JoinedAt,
	}
}

func toEntryViews(entries []*core.Entry) []entryView {
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			ID:            e.ID,
			GroupID:       e.GroupID,
			UserID:        e.UserID,
			MembershipID:  e.MembershipID,
			Amount:        e.Amount.Dong,
			AmountDisplay: e.Amount.String(),
			Description:   e.Description,
			Version:       e.Version,
			CreatedAt:     e.CreatedAt,
			UpdatedAt:     e.UpdatedAt,
		})
	}
	return views
}

func toMemberLedgerView(l *ledger.MemberLedger) *memberLedgerView {
	return &memberLedgerView{
		Member:  toMembershipView(l.Membership),
		Spent:   l.Spent().Dong,
		Entries: toEntryViews(l.Entries),
	}
}

func toGroupLedgerView(groupID string, entries []*core.Entry) *groupLedgerView {
	var total core.Money
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return &groupLedgerView{
		GroupID:      groupID,
		Total:        total.Dong,
		TotalDisplay: total.String(),
		Entries:      toEntryViews(entries),
	}
}

func toReconciliationView(r *ledger.Reconciliation) reconciliationView {
	return reconciliationView{
		GroupID:        r.GroupID,
		UserID:         r.UserID,
		MembershipID:   r.MembershipID,
		Before:         r.Before.Dong,
		After:          r.After.Dong,
		Drift:          r.Drift().Dong,
		OrphansRemoved: r.OrphansRemoved,
		Resolved:       r.Resolved,
		Changed:        r.Changed(),
	}
}

// inGroup matches the membership keys of the group's members.
func inGroup(groupID string) func(key string) bool {
	prefix := core.MembershipKey(groupID, "")
	return func(key string) bool {
		return strings.HasPrefix(key, prefix)
	}
}
