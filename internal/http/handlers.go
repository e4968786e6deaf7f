package http

import (
	"net/http"

	"chitieu/internal/cache"
	"chitieu/internal/core"
	"chitieu/internal/log"
)

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("group")
	ms, err := s.members.Members(r.Context(), groupID)
	if err != nil {
		writeLedgerError(w, r, log.OpList, err)
		return
	}

	views := make([]membershipView, 0, len(ms))
	for _, m := range ms {
		views = append(views, toMembershipView(m))
	}
	NewJSONResponse().Data(map[string]any{"group_id": groupID, "members": views}).Write(w)
}

func (s *Server) handleUserGroups(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	ms, err := s.members.GroupsOf(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, r, log.OpList, err)
		return
	}

	views := make([]membershipView, 0, len(ms))
	for _, m := range ms {
		views = append(views, toMembershipView(m))
	}
	NewJSONResponse().Data(map[string]any{"user_id": userID, "memberships": views}).Write(w)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("group")
	var req addMemberRequest
	if err := decodeBody(w, r, &req); err != nil {
		BadRequestError("Request body must be a JSON object.").Write(w)
		return
	}
	initial, err := req.InitialBalance.Balance()
	if err != nil {
		writeLedgerError(w, r, log.OpCreate, err)
		return
	}

	m, err := s.members.AddMember(r.Context(), groupID, sanitizeInput(req.UserID), initial)
	if err != nil {
		writeLedgerError(w, r, log.OpCreate, err)
		return
	}
	s.invalidateMember(groupID, m.UserID)
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/groups/"+groupID+"/members/"+m.UserID+"/ledger").
		Data(toMembershipView(m)).
		Write(w)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	groupID, userID := r.PathValue("group"), r.PathValue("user")
	err := s.ledger.RemoveMember(r.Context(), groupID, userID)
	// Even a failed removal may have deleted part of the member's records.
	s.invalidateMember(groupID, userID)
	if err != nil {
		writeLedgerError(w, r, core.OpRemove, err)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleMemberLedger(w http.ResponseWriter, r *http.Request) {
	groupID, userID := r.PathValue("group"), r.PathValue("user")
	key := core.MembershipKey(groupID, userID)
	var tok cache.Token
	if s.memberCache != nil {
		if view, ok := s.memberCache.Get(key); ok {
			NewJSONResponse().Header("X-Cache", "hit").Data(view).Write(w)
			return
		}
		tok = s.memberCache.Reserve(key)
	}

	ml, err := s.ledger.MemberLedger(r.Context(), groupID, userID)
	if err != nil {
		writeLedgerError(w, r, log.OpRead, err)
		return
	}
	view := toMemberLedgerView(ml)
	if s.memberCache != nil {
		s.memberCache.SetIfCurrent(key, view, tok)
	}
	NewJSONResponse().Header("X-Cache", "miss").Data(view).Write(w)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	groupID, userID := r.PathValue("group"), r.PathValue("user")
	rec, err := s.ledger.Reconcile(r.Context(), groupID, userID)
	s.invalidateMember(groupID, userID)
	if err != nil {
		writeLedgerError(w, r, log.OpReconcile, err)
		return
	}
	NewJSONResponse().Data(toReconciliationView(rec)).Write(w)
}

func (s *Server) handleGroupLedger(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("group")
	var tok cache.Token
	if s.groupCache != nil {
		if view, ok := s.groupCache.Get(groupID); ok {
			log.FromContext(r.Context()).DebugContext(r.Context(), "Group ledger cache hit", log.FieldGroupID, groupID)
			NewJSONResponse().Header("X-Cache", "hit").Data(view).Write(w)
			return
		}
		tok = s.groupCache.Reserve(groupID)
	}

	entries, err := s.ledger.GroupLedger(r.Context(), groupID)
	if err != nil {
		writeLedgerError(w, r, log.OpList, err)
		return
	}
	view := toGroupLedgerView(groupID, entries)
	if s.groupCache != nil {
		s.groupCache.SetIfCurrent(groupID, view, tok)
	}
	NewJSONResponse().Header("X-Cache", "miss").Data(view).Write(w)
}

func (s *Server) handlePurgeGroup(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("group")
	removed, err := s.ledger.PurgeGroup(r.Context(), groupID)
	s.invalidateGroup(groupID)
	if err != nil {
		writeLedgerError(w, r, log.OpDelete, err)
		return
	}
	NewJSONResponse().Data(map[string]any{"group_id": groupID, "members_removed": removed}).Write(w)
}
