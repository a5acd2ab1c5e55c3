package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/etlmon/backend/internal/core"
)

type submitBackfillRequest struct {
	LoaderCode    string             `json:"loader_code"`
	FromEpoch     int64              `json:"from_epoch"`
	ToEpoch       int64              `json:"to_epoch"`
	PurgeStrategy core.PurgeStrategy `json:"purge_strategy,omitempty"`
}

func (s *Server) handleSubmitBackfill(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var req submitBackfillRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.backfills.Submit(r.Context(), req.LoaderCode,
		time.Unix(req.FromEpoch, 0).UTC(), time.Unix(req.ToEpoch, 0).UTC(),
		req.PurgeStrategy, p.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListBackfills(w http.ResponseWriter, r *http.Request) {
	loaderCode := r.URL.Query().Get("loader")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.backfills.List(r.Context(), loaderCode, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if status := core.BackfillStatus(r.URL.Query().Get("status")); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetBackfill(w http.ResponseWriter, r *http.Request) {
	job, err := s.backfills.Get(r.Context(), backfillID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelBackfill(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	id := backfillID(r)
	if err := s.backfills.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.backfills.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleExecuteBackfill(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	job, err := s.backfills.Execute(r.Context(), backfillID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func backfillID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}
