package core

import (
	"strconv"
	"strings"
	"time"
)

const maxDescriptionLen = 200

type (
	// Membership ties one user to one group and carries the user's running
	// balance within that group.
	Membership struct {
		ID             string
		GroupID        string
		UserID         string
		InitialBalance Money
		Balance        Money
		Version        int64
		JoinedAt       time.Time
	}

	// Entry is a single expense paid by one member.
	Entry struct {
		ID           string
		GroupID      string
		UserID       string
		MembershipID string
		Amount       Money
		Description  string
		CreatedAt    time.Time
		UpdatedAt    time.Time
		Version      int64
	}

	// Discrepancy records a ledger mutation that left balance and log out of
	// sync and still needs reconciliation.
	Discrepancy struct {
		ID           string
		MembershipID string
		GroupID      string
		UserID       string
		EntryID      string
		Operation    string
		Reason       string
		CreatedAt    time.Time
		ResolvedAt   time.Time
	}
)

// Key identifies the membership pair independently of its storage id.
func (m Membership) Key() string {
	return MembershipKey(m.GroupID, m.UserID)
}

// MembershipKey builds the serialization key for a (group, user) pair. The
// group id is length prefixed so ids containing "/" cannot collide, and
// every key of one group starts with MembershipKey(groupID, "").
func MembershipKey(groupID, userID string) string {
	return strconv.Itoa(len(groupID)) + ":" + groupID + "/" + userID
}

// ExpectedBalance returns the balance implied by the given live entries.
func (m Membership) ExpectedBalance(entries []*Entry) Money {
	var spent int64
	for _, e := range entries {
		spent += e.Amount.Dong
	}
	return Money{Dong: m.InitialBalance.Dong - spent}
}

// BelongsTo reports whether the entry is attributed to the (group, user) pair.
func (e Entry) BelongsTo(groupID, userID string) bool {
	return e.GroupID == groupID && e.UserID == userID
}

// IsResolved reports whether the discrepancy was reconciled.
func (d Discrepancy) IsResolved() bool {
	return !d.ResolvedAt.IsZero()
}

// ValidateDescription trims and checks an expense description.
func ValidateDescription(desc string) (string, error) {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return "", ErrInvalidDescription
	}
	if len(desc) > maxDescriptionLen {
		return "", ErrDescriptionTooLong
	}
	return desc, nil
}

func (e Entry) Validate() error {
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if _, err := ValidateDescription(e.Description); err != nil {
		return err
	}
	return nil
}
