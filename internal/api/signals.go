package api

import (
	"net/http"
	"strconv"

	"github.com/etlmon/backend/internal/core"
)

func (s *Server) handleAppendSignal(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var sig core.SignalHistory
	if err := decodeBody(r, &sig); err != nil {
		writeError(w, err)
		return
	}
	if err := s.signals.Append(r.Context(), &sig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "appended"})
}

type bulkAppendRequest struct {
	LoaderCode string                `json:"loader_code"`
	Signals    []*core.SignalHistory `json:"signals"`
}

func (s *Server) handleBulkAppendSignals(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var req bulkAppendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ingested, err := s.signals.BulkAppend(r.Context(), req.LoaderCode, req.Signals)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"submitted": len(req.Signals),
		"ingested":  ingested,
	})
}

func (s *Server) handleQuerySignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loaderCode := q.Get("loader")
	fromEpoch, _ := strconv.ParseInt(q.Get("from"), 10, 64)
	toEpoch, _ := strconv.ParseInt(q.Get("to"), 10, 64)

	var segmentCode *int
	if raw := q.Get("segment"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, core.Errf(core.CodeValidation, "segment must be an integer: %q", raw))
			return
		}
		segmentCode = &n
	}

	out, err := s.signals.Query(r.Context(), loaderCode, fromEpoch, toEpoch, segmentCode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
