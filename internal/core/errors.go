package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotAMember         = errors.New("not a member of this group")
	ErrAlreadyMember      = errors.New("already a member of this group")
	ErrInvalidMember      = errors.New("group and user are required")
	ErrEntryNotFound      = errors.New("expense entry not found")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidDescription = errors.New("empty description")
	ErrDescriptionTooLong = fmt.Errorf("%w: description too long (max %d characters)", ErrInvalidDescription, maxDescriptionLen)
	ErrLedgerInconsistent = errors.New("ledger inconsistent")
	ErrStoreUnavailable   = errors.New("store unavailable")
)

// Ledger operation names, used in errors, logs and discrepancy records.
const (
	OpRecord  = "record"
	OpAmend   = "amend"
	OpRetract = "retract"
	OpRemove  = "remove_member"
)

// InconsistencyError is returned when the second write of a ledger mutation
// could not be applied after retries. The entry it names needs reconciliation.
type InconsistencyError struct {
	Op           string
	MembershipID string
	EntryID      string
	Err          error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("ledger inconsistent after %s: membership %s entry %s: %v", e.Op, e.MembershipID, e.EntryID, e.Err)
}

func (e *InconsistencyError) Unwrap() error { return e.Err }

func (e *InconsistencyError) Is(target error) bool {
	return target == ErrLedgerInconsistent
}

// IsValidation reports whether err is a non-transient caller error that must
// not be retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidDescription) ||
		errors.Is(err, ErrNotAMember) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrAlreadyMember) ||
		errors.Is(err, ErrInvalidMember)
}

// UserMessage returns the message the presentation layer shows for err.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDescriptionTooLong):
		return "Description is too long."
	case errors.Is(err, ErrInvalidAmount):
		return "Amount must be a whole number of VND greater than 0."
	case errors.Is(err, ErrInvalidDescription):
		return "Description is required."
	case errors.Is(err, ErrNotAMember):
		return "User is not a member of this group."
	case errors.Is(err, ErrInvalidMember):
		return "Group and user are required."
	case errors.Is(err, ErrAlreadyMember):
		return "User is already a member of this group."
	case errors.Is(err, ErrEntryNotFound):
		return "Expense not found."
	case errors.Is(err, ErrLedgerInconsistent):
		return "Something went wrong. Please reload before trying again."
	case errors.Is(err, ErrStoreUnavailable):
		return "The service is temporarily unavailable, please try again."
	default:
		return "Something went wrong. Please reload before trying again."
	}
}
