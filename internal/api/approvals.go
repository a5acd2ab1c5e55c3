package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/etlmon/backend/internal/core"
)

type submitApprovalRequest struct {
	EntityType  core.EntityType  `json:"entity_type"`
	EntityID    string           `json:"entity_id"`
	RequestType core.RequestType `json:"request_type"`
	RequestData string           `json:"request_data"`
}

type approvalActionRequest struct {
	Justification string `json:"justification"`
	RequestData   string `json:"request_data,omitempty"` // resubmit only
}

func (s *Server) handleSubmitApproval(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var req submitApprovalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.workflow.Submit(r.Context(), req.EntityType, req.EntityID,
		req.RequestType, req.RequestData, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := core.ApprovalStatus(r.URL.Query().Get("status"))
	entityType := core.EntityType(r.URL.Query().Get("entityType"))
	out, err := s.workflow.List(r.Context(), status, entityType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := approvalID(r)
	req, err := s.workflow.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprovalActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.workflow.History(r.Context(), approvalID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.applyAction(w, r, func(id int64, p core.Principal, body approvalActionRequest) error {
		return s.workflow.Approve(r.Context(), id, p, body.Justification)
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.applyAction(w, r, func(id int64, p core.Principal, body approvalActionRequest) error {
		return s.workflow.Reject(r.Context(), id, p, body.Justification)
	})
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	s.applyAction(w, r, func(id int64, p core.Principal, body approvalActionRequest) error {
		return s.workflow.Resubmit(r.Context(), id, body.RequestData, p)
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.applyAction(w, r, func(id int64, p core.Principal, body approvalActionRequest) error {
		return s.workflow.Revoke(r.Context(), id, p, body.Justification)
	})
}

func (s *Server) applyAction(w http.ResponseWriter, r *http.Request,
	apply func(int64, core.Principal, approvalActionRequest) error) {

	p, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var body approvalActionRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	id := approvalID(r)
	if err := apply(id, p, body); err != nil {
		writeError(w, err)
		return
	}
	req, err := s.workflow.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func approvalID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}
