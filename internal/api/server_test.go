package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etlmon/backend/internal/approval"
	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/events"
	"github.com/etlmon/backend/internal/store"
)

// fakeApprovals is an in-memory approval.Requests for edge tests.
type fakeApprovals struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]*core.ApprovalRequest
	actions map[int64][]*core.ApprovalAction
}

func newFakeApprovals() *fakeApprovals {
	return &fakeApprovals{nextID: 1, rows: map[int64]*core.ApprovalRequest{}, actions: map[int64][]*core.ApprovalAction{}}
}

func (f *fakeApprovals) SubmitApprovalRequest(_ context.Context, r *core.ApprovalRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	stored := *r
	stored.ID = id
	stored.ApprovalStatus = core.PendingApproval
	stored.RequestedAt = time.Now().UTC()
	f.rows[id] = &stored
	return id, nil
}

func (f *fakeApprovals) GetApprovalRequest(_ context.Context, id int64) (*core.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, core.Errf(core.CodeNotFound, "approval request %d not found", id)
	}
	cp := *r
	return &cp, nil
}

func (f *fakeApprovals) ListApprovalRequests(_ context.Context, status core.ApprovalStatus, entityType core.EntityType) ([]*core.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.ApprovalRequest
	for _, r := range f.rows {
		if (status == "" || r.ApprovalStatus == status) &&
			(entityType == "" || r.EntityType == entityType) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeApprovals) TransitionApprovalRequest(_ context.Context, requestID int64,
	from, to core.ApprovalStatus, action *core.ApprovalAction, requestData string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[requestID]
	if !ok || r.ApprovalStatus != from {
		return core.Errf(core.CodeIllegalState, "approval request %d is not %s", requestID, from)
	}
	r.ApprovalStatus = to
	f.actions[requestID] = append(f.actions[requestID], action)
	return nil
}

func (f *fakeApprovals) MarkApprovalMaterialized(_ context.Context, requestID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[requestID]; ok {
		r.Materialized = true
	}
	return nil
}

func (f *fakeApprovals) ListApprovalActions(_ context.Context, requestID int64) ([]*core.ApprovalAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*core.ApprovalAction{}, f.actions[requestID]...), nil
}

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(db)
	wf := approval.NewWorkflow(newFakeApprovals(), events.NewLocalBus())
	return NewServer(st, nil, nil, wf, nil, nil, nil, nil), mock
}

func doRequest(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

var (
	adminHeaders  = map[string]string{"X-User": "alice", "X-Roles": "ADMIN"}
	viewerHeaders = map[string]string{"X-User": "bob", "X-Roles": "VIEWER"}
)

func TestAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("healthz needs no identity", func(t *testing.T) {
		rec := doRequest(srv, "GET", "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing identity is 401", func(t *testing.T) {
		rec := doRequest(srv, "GET", "/api/approvals", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("writes require admin", func(t *testing.T) {
		rec := doRequest(srv, "POST", "/api/approvals", `{}`, viewerHeaders)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, core.CodeAuth, body.Code)
	})

	t.Run("reads allowed for any identity", func(t *testing.T) {
		rec := doRequest(srv, "GET", "/api/approvals", "", viewerHeaders)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func validLoaderDraft() string {
	draft := core.Loader{
		LoaderCode:            "ORDERS",
		SQL:                   "SELECT ts, val FROM orders WHERE ts >= :fromTime AND ts < :toTime",
		SourceDatabaseID:      1,
		MinIntervalSeconds:    60,
		MaxIntervalSeconds:    300,
		MaxQueryPeriodSeconds: 3600,
		MaxParallelExecutions: 1,
		PurgeStrategy:         core.PurgeAndReload,
	}
	b, _ := json.Marshal(draft)
	return string(b)
}

func TestApprovalEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	submitBody, _ := json.Marshal(submitApprovalRequest{
		EntityType:  core.EntityLoader,
		EntityID:    "ORDERS",
		RequestType: core.RequestCreate,
		RequestData: validLoaderDraft(),
	})

	rec := doRequest(srv, "POST", "/api/approvals", string(submitBody), adminHeaders)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created core.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, core.PendingApproval, created.ApprovalStatus)

	rec = doRequest(srv, "POST", "/api/approvals/1/approve", "", adminHeaders)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var approved core.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	assert.Equal(t, core.Approved, approved.ApprovalStatus)

	// Approving twice maps ILLEGAL_STATE to 409.
	rec = doRequest(srv, "POST", "/api/approvals/1/approve", "", adminHeaders)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Reject without justification maps VALIDATION to 400.
	rec = doRequest(srv, "POST", "/api/approvals/1/reject", `{}`, adminHeaders)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, "GET", "/api/approvals/999", "", viewerHeaders)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoaderCreateSubmitsApproval(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, "POST", "/api/loaders", validLoaderDraft(), adminHeaders)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var req core.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	assert.Equal(t, core.EntityLoader, req.EntityType)
	assert.Equal(t, "ORDERS", req.EntityID)
	assert.Equal(t, core.RequestCreate, req.RequestType)
}

func TestLoaderListRedactsSQL(t *testing.T) {
	srv, mock := newTestServer(t)

	rows := sqlmock.NewRows([]string{
		"id", "loader_code", "sql", "source_database_id", "min_interval_seconds",
		"max_interval_seconds", "max_query_period_seconds", "max_parallel_executions",
		"purge_strategy", "source_timezone_offset_hours", "aggregation_period_seconds",
		"last_load_timestamp", "failed_since", "consecutive_zero_record_runs",
		"load_status", "enabled", "approval_status", "version_number",
		"parent_version_id", "version_status", "description", "created_by",
		"created_at", "updated_at",
	}).AddRow(
		1, "ORDERS", "ciphertext", 1, 60, 300, 3600, 1,
		"PURGE_AND_RELOAD", 0, nil, nil, nil, 0,
		"IDLE", true, "APPROVED", 1, nil, "ACTIVE", "", "alice",
		time.Now(), time.Now(),
	)
	mock.ExpectQuery(`FROM loaders\s+WHERE version_status = 'ACTIVE'`).WillReturnRows(rows)

	rec := doRequest(srv, "GET", "/api/loaders", "", viewerHeaders)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "ciphertext")
}

func TestMalformedBodyIs400(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv, "POST", "/api/approvals", `{not json`, adminHeaders)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
