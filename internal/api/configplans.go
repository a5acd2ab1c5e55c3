package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/etlmon/backend/internal/core"
)

func (s *Server) handleActiveConfig(w http.ResponseWriter, r *http.Request) {
	parent := mux.Vars(r)["parent"]
	values, err := s.plans.ActiveValues(r.Context(), parent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"parent": parent, "values": values})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	out, err := s.plans.ListPlans(r.Context(), mux.Vars(r)["parent"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type createPlanRequest struct {
	PlanName    string            `json:"plan_name"`
	Description string            `json:"description,omitempty"`
	Values      map[string]string `json:"values"`
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var req createPlanRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PlanName == "" {
		writeError(w, core.Errf(core.CodeValidation, "plan_name is required"))
		return
	}
	plan := &core.ConfigPlan{
		Parent:      mux.Vars(r)["parent"],
		PlanName:    req.PlanName,
		Description: req.Description,
		CreatedBy:   p.Username,
	}
	id, err := s.plans.CreatePlan(r.Context(), plan, req.Values)
	if err != nil {
		writeError(w, err)
		return
	}
	plan.ID = id
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleActivatePlan(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := s.plans.Activate(r.Context(), vars["parent"], vars["name"], p.Username); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"parent": vars["parent"], "plan_name": vars["name"], "status": "active",
	})
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.locks.ActiveLocks(r.Context(), r.URL.Query().Get("loader"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}
