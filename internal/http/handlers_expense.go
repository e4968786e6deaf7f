package http

import (
	"net/http"

	"chitieu/internal/core"
	"chitieu/internal/log"
)

func (s *Server) handleRecordExpense(w http.ResponseWriter, r *http.Request) {
	groupID, userID := r.PathValue("group"), r.PathValue("user")
	amount, desc, ok := s.parseExpense(w, r)
	if !ok {
		return
	}

	entryID, err := s.ledger.RecordExpense(r.Context(), groupID, userID, amount, desc)
	// A surfaced inconsistency has still written the entry.
	s.invalidateMember(groupID, userID)
	if err != nil {
		writeLedgerError(w, r, core.OpRecord, err)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/groups/"+groupID+"/members/"+userID+"/expenses/"+entryID).
		Data(map[string]any{"entry_id": entryID, "amount": amount.Dong, "description": desc}).
		Write(w)
}

func (s *Server) handleAmendExpense(w http.ResponseWriter, r *http.Request) {
	groupID, userID, entryID := r.PathValue("group"), r.PathValue("user"), r.PathValue("entry")
	amount, desc, ok := s.parseExpense(w, r)
	if !ok {
		return
	}

	err := s.ledger.AmendExpense(r.Context(), entryID, userID, groupID, amount, desc)
	s.invalidateMember(groupID, userID)
	if err != nil {
		writeLedgerError(w, r, core.OpAmend, err)
		return
	}
	NewJSONResponse().Data(map[string]any{"entry_id": entryID, "amount": amount.Dong, "description": desc}).Write(w)
}

func (s *Server) handleRetractExpense(w http.ResponseWriter, r *http.Request) {
	groupID, userID, entryID := r.PathValue("group"), r.PathValue("user"), r.PathValue("entry")

	err := s.ledger.RetractExpense(r.Context(), entryID, userID, groupID)
	s.invalidateMember(groupID, userID)
	if err != nil {
		writeLedgerError(w, r, core.OpRetract, err)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

// parseExpense decodes and validates an expense body, writing the error
// response itself when the body is unusable.
func (s *Server) parseExpense(w http.ResponseWriter, r *http.Request) (core.Money, string, bool) {
	var req expenseRequest
	if err := decodeBody(w, r, &req); err != nil {
		BadRequestError("Request body must be a JSON object.").Write(w)
		return core.Money{}, "", false
	}
	amount, err := req.Amount.Expense()
	if err != nil {
		writeLedgerError(w, r, log.OpValidate, err)
		return core.Money{}, "", false
	}
	desc, err := core.ValidateDescription(sanitizeInput(req.Description))
	if err != nil {
		writeLedgerError(w, r, log.OpValidate, err)
		return core.Money{}, "", false
	}
	return amount, desc, true
}
