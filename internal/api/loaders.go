package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/pipeline"
)

// Loader changes do not land directly: create, update and delete all travel
// through the approval workflow and the materializer applies them.

func (s *Server) handleCreateLoader(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	body, draft, err := readLoaderDraft(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := s.workflow.Submit(r.Context(), core.EntityLoader, draft.LoaderCode,
		core.RequestCreate, string(body), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleUpdateLoader(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	code := mux.Vars(r)["code"]
	if _, err := s.store.GetActiveLoader(r.Context(), code); err != nil {
		writeError(w, err)
		return
	}
	body, _, err := readLoaderDraft(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := s.workflow.Submit(r.Context(), core.EntityLoader, code,
		core.RequestUpdate, string(body), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleDeleteLoader(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	code := mux.Vars(r)["code"]
	loader, err := s.store.GetActiveLoader(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	snapshot, _ := json.Marshal(loader)
	req, err := s.workflow.Submit(r.Context(), core.EntityLoader, code,
		core.RequestDelete, string(snapshot), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleListLoaders(w http.ResponseWriter, r *http.Request) {
	loaders, err := s.store.ListLoaders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for _, l := range loaders {
		l.SQL = "" // ciphertext stays server-side
	}
	writeJSON(w, http.StatusOK, loaders)
}

func (s *Server) handleGetLoader(w http.ResponseWriter, r *http.Request) {
	loader, err := s.store.GetActiveLoader(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		writeError(w, err)
		return
	}
	loader.SQL = ""
	writeJSON(w, http.StatusOK, loader)
}

func (s *Server) handleEnableLoader(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) handleDisableLoader(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	code := mux.Vars(r)["code"]
	if err := s.store.SetLoaderEnabled(r.Context(), code, enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"loader_code": code, "enabled": enabled})
}

// loaderStats summarizes recent execution history.
type loaderStats struct {
	LoaderCode      string     `json:"loader_code"`
	Runs            int        `json:"runs"`
	Succeeded       int        `json:"succeeded"`
	Partial         int        `json:"partial"`
	Failed          int        `json:"failed"`
	RecordsLoaded   int64      `json:"records_loaded"`
	RecordsIngested int64      `json:"records_ingested"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastStatus      string     `json:"last_status,omitempty"`
}

func (s *Server) handleLoaderStats(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	if _, err := s.store.GetActiveLoader(r.Context(), code); err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.store.ListLoadHistory(r.Context(), code, 200)
	if err != nil {
		writeError(w, err)
		return
	}

	stats := loaderStats{LoaderCode: code, Runs: len(runs)}
	for _, run := range runs {
		switch run.Status {
		case core.HistorySuccess:
			stats.Succeeded++
		case core.HistoryPartial:
			stats.Partial++
		case core.HistoryFailed:
			stats.Failed++
		}
		stats.RecordsLoaded += run.RecordsLoaded
		stats.RecordsIngested += run.RecordsIngested
	}
	if len(runs) > 0 {
		stats.LastRunAt = &runs[0].StartTime
		stats.LastStatus = string(runs[0].Status)
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLoaderActivity(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.ListLoadHistory(r.Context(), code, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleLoaderVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.store.ListLoaderArchive(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleLoaderSegments(w http.ResponseWriter, r *http.Request) {
	combos, err := s.signals.SegmentCombinations(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, combos)
}

// testQueryRequest dry-runs a candidate loader SQL against a source over a
// short recent window without writing anything.
type testQueryRequest struct {
	SourceDatabaseID          int64  `json:"source_database_id"`
	SQL                       string `json:"sql"`
	SourceTimezoneOffsetHours int    `json:"source_timezone_offset_hours"`
	WindowMinutes             int    `json:"window_minutes"`
}

const testQueryRowCap = 100

func (s *Server) handleTestQuery(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var req testQueryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := pipeline.CheckQuerySafety(req.SQL); err != nil {
		writeError(w, err)
		return
	}
	if req.WindowMinutes <= 0 || req.WindowMinutes > 60 {
		req.WindowMinutes = 5
	}

	now := time.Now().UTC()
	window := core.TimeWindow{From: now.Add(-time.Duration(req.WindowMinutes) * time.Minute), To: now}
	query := pipeline.SubstitutePlaceholders(req.SQL, window, req.SourceTimezoneOffsetHours)

	rs, err := s.sources.RunQuery(r.Context(), req.SourceDatabaseID, query)
	if err != nil {
		writeError(w, err)
		return
	}
	rows := rs.Rows
	truncated := false
	if len(rows) > testQueryRowCap {
		rows = rows[:testQueryRowCap]
		truncated = true
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"columns":   rs.Columns,
		"rows":      rows,
		"row_count": len(rs.Rows),
		"truncated": truncated,
		"window":    window,
	})
}

func readLoaderDraft(r *http.Request) ([]byte, *core.Loader, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, nil, core.WrapErr(core.CodeValidation, err, "read request body")
	}
	var draft core.Loader
	if err := json.Unmarshal(body, &draft); err != nil {
		return nil, nil, core.WrapErr(core.CodeValidation, err, "malformed loader draft")
	}
	if draft.LoaderCode == "" {
		return nil, nil, core.Errf(core.CodeValidation, "loader_code is required")
	}
	return body, &draft, nil
}
