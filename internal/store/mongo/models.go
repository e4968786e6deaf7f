package mongo

import (
	"time"

	"chitieu/internal/core"
)

// Timestamps are stored as unix microseconds; BSON dates only keep
// milliseconds, which would break the strict creation order.

type membershipModel struct {
	ID             string `bson:"_id"`
	GroupID        string `bson:"group_id"`
	UserID         string `bson:"user_id"`
	InitialBalance int64  `bson:"initial_balance"`
	Balance        int64  `bson:"balance"`
	Version        int64  `bson:"version"`
	JoinedAt       int64  `bson:"joined_at"`
}

func toMembershipModel(m *core.Membership) *membershipModel {
	return &membershipModel{
		ID:             m.ID,
		GroupID:        m.GroupID,
		UserID:         m.UserID,
		InitialBalance: m.InitialBalance.Dong,
		Balance:        m.Balance.Dong,
		Version:        m.Version,
		JoinedAt:       m.JoinedAt.UnixMicro(),
	}
}

func fromMembershipModel(m *membershipModel) *core.Membership {
	return &core.Membership{
		ID:             m.ID,
		GroupID:        m.GroupID,
		UserID:         m.UserID,
		InitialBalance: core.VND(m.InitialBalance),
		Balance:        core.VND(m.Balance),
		Version:        m.Version,
		JoinedAt:       fromMicros(m.JoinedAt),
	}
}

type entryModel struct {
	ID           string `bson:"_id"`
	GroupID      string `bson:"group_id"`
	UserID       string `bson:"user_id"`
	MembershipID string `bson:"membership_id"`
	Amount       int64  `bson:"amount"`
	Description  string `bson:"description"`
	CreatedAt    int64  `bson:"created_at"`
	UpdatedAt    int64  `bson:"updated_at"`
	Version      int64  `bson:"version"`
}

func toEntryModel(e *core.Entry) *entryModel {
	return &entryModel{
		ID:           e.ID,
		GroupID:      e.GroupID,
		UserID:       e.UserID,
		MembershipID: e.MembershipID,
		Amount:       e.Amount.Dong,
		Description:  e.Description,
		CreatedAt:    e.CreatedAt.UnixMicro(),
		UpdatedAt:    e.UpdatedAt.UnixMicro(),
		Version:      e.Version,
	}
}

func fromEntryModel(m *entryModel) *core.Entry {
	return &core.Entry{
		ID:           m.ID,
		GroupID:      m.GroupID,
		UserID:       m.UserID,
		MembershipID: m.MembershipID,
		Amount:       core.VND(m.Amount),
		Description:  m.Description,
		CreatedAt:    fromMicros(m.CreatedAt),
		UpdatedAt:    fromMicros(m.UpdatedAt),
		Version:      m.Version,
	}
}

type discrepancyModel struct {
	ID           string `bson:"_id"`
	MembershipID string `bson:"membership_id"`
	GroupID      string `bson:"group_id"`
	UserID       string `bson:"user_id"`
	EntryID      string `bson:"entry_id"`
	Operation    string `bson:"operation"`
	Reason       string `bson:"reason"`
	CreatedAt    int64  `bson:"created_at"`
	ResolvedAt   *int64 `bson:"resolved_at"`
}

func toDiscrepancyModel(d *core.Discrepancy) *discrepancyModel {
	m := &discrepancyModel{
		ID:           d.ID,
		MembershipID: d.MembershipID,
		GroupID:      d.GroupID,
		UserID:       d.UserID,
		EntryID:      d.EntryID,
		Operation:    d.Operation,
		Reason:       d.Reason,
		CreatedAt:    d.CreatedAt.UnixMicro(),
	}
	if d.IsResolved() {
		at := d.ResolvedAt.UnixMicro()
		m.ResolvedAt = &at
	}
	return m
}

func fromDiscrepancyModel(m *discrepancyModel) *core.Discrepancy {
	d := &core.Discrepancy{
		ID:           m.ID,
		MembershipID: m.MembershipID,
		GroupID:      m.GroupID,
		UserID:       m.UserID,
		EntryID:      m.EntryID,
		Operation:    m.Operation,
		Reason:       m.Reason,
		CreatedAt:    fromMicros(m.CreatedAt),
	}
	if m.ResolvedAt != nil {
		d.ResolvedAt = fromMicros(*m.ResolvedAt)
	}
	return d
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
