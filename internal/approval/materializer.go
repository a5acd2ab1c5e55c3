package approval

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/crypto"
	"github.com/etlmon/backend/internal/events"
)

const materializerInterval = 10 * time.Second

// Loaders is the loader persistence slice the materializer needs.
type Loaders interface {
	InsertLoader(ctx context.Context, l *core.Loader) (int64, error)
	GetActiveLoader(ctx context.Context, loaderCode string) (*core.Loader, error)
	InsertDraftVersion(ctx context.Context, draft *core.Loader) (int64, error)
	PromoteDraftVersion(ctx context.Context, draftID int64, actor, reason string) error
	DeleteLoader(ctx context.Context, loaderCode string) error
	ArchiveRejectedLoaderDraft(ctx context.Context, draft *core.Loader, actor, reason string) error
}

// Materializer applies approved LOADER requests to the loaders table. It is
// a background loop rather than an approve-time hook so that a replica crash
// between approval and application never loses the change; every pass is
// idempotent over APPROVED rows not yet marked materialized.
type Materializer struct {
	requests Requests
	loaders  Loaders
	codec    *crypto.FieldCodec
	logger   *log.Logger

	unsubscribe func()
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewMaterializer wires the loop. It also subscribes to rejection events so
// rejected update drafts land in the version archive.
func NewMaterializer(requests Requests, loaders Loaders, codec *crypto.FieldCodec, bus events.Bus) *Materializer {
	m := &Materializer{
		requests: requests,
		loaders:  loaders,
		codec:    codec,
		logger:   log.New(log.Writer(), "[MATERIALIZER] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if bus != nil {
		m.unsubscribe = bus.Subscribe(events.TypeLoaderRejected, m.onRejected)
	}
	return m
}

// Start launches the apply loop.
func (m *Materializer) Start() {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(materializerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.RunOnce(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
	m.logger.Printf("started (interval=%s)", materializerInterval)
}

// Stop halts the loop.
func (m *Materializer) Stop() {
	close(m.stopCh)
	<-m.doneCh
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.logger.Printf("stopped")
}

// RunOnce applies every approved, not yet materialized loader request.
// Exported so tests and the admin API can force a pass.
func (m *Materializer) RunOnce(ctx context.Context) {
	reqs, err := m.requests.ListApprovalRequests(ctx, core.Approved, core.EntityLoader)
	if err != nil {
		m.logger.Printf("list approved requests: %v", err)
		return
	}
	for _, r := range reqs {
		if r.Materialized {
			continue
		}
		if err := m.applyRequest(ctx, r); err != nil {
			m.logger.Printf("request %d (%s %s): %v", r.ID, r.RequestType, r.EntityID, err)
			continue
		}
		if err := m.requests.MarkApprovalMaterialized(ctx, r.ID); err != nil {
			m.logger.Printf("mark request %d materialized: %v", r.ID, err)
		}
	}
}

func (m *Materializer) applyRequest(ctx context.Context, r *core.ApprovalRequest) error {
	switch r.RequestType {
	case core.RequestCreate:
		return m.applyCreate(ctx, r)
	case core.RequestUpdate:
		return m.applyUpdate(ctx, r)
	case core.RequestDelete:
		return m.loaders.DeleteLoader(ctx, r.EntityID)
	default:
		return core.Errf(core.CodeValidation, "unknown request type %q", r.RequestType)
	}
}

// applyCreate inserts version 1 as ACTIVE and APPROVED but disabled. Enabling
// is a separate operator step once the loader is known to be configured right.
func (m *Materializer) applyCreate(ctx context.Context, r *core.ApprovalRequest) error {
	draft, err := m.decodeDraft(r)
	if err != nil {
		return err
	}

	// A create racing an existing loader is a conflict, not a silent retry.
	if _, err := m.loaders.GetActiveLoader(ctx, draft.LoaderCode); err == nil {
		return core.Errf(core.CodeConflict, "loader %s already exists", draft.LoaderCode)
	} else if !core.IsCode(err, core.CodeNotFound) {
		return err
	}

	draft.VersionNumber = 1
	draft.VersionStatus = core.VersionActive
	draft.ApprovalStatus = core.Approved
	draft.Enabled = false
	draft.LoadStatus = core.LoadIdle
	draft.CreatedBy = r.RequestedBy

	id, err := m.loaders.InsertLoader(ctx, draft)
	if err != nil {
		return err
	}
	m.logger.Printf("loader %s created (id=%d, v1)", draft.LoaderCode, id)
	return nil
}

// applyUpdate inserts the payload as a draft row and promotes it, which
// archives the previously active version in the same transaction.
func (m *Materializer) applyUpdate(ctx context.Context, r *core.ApprovalRequest) error {
	draft, err := m.decodeDraft(r)
	if err != nil {
		return err
	}
	active, err := m.loaders.GetActiveLoader(ctx, draft.LoaderCode)
	if err != nil {
		return err
	}

	draft.ParentVersionID = &active.ID
	draft.VersionStatus = core.VersionDraft
	draft.ApprovalStatus = core.Approved
	// Runtime cursor state carries over from the active version.
	draft.LastLoadTimestamp = active.LastLoadTimestamp
	draft.LoadStatus = core.LoadIdle
	draft.Enabled = active.Enabled
	draft.CreatedBy = r.RequestedBy

	draftID, err := m.loaders.InsertDraftVersion(ctx, draft)
	if err != nil {
		return err
	}

	approver := m.lastActor(ctx, r.ID, core.ActionApprove)
	if err := m.loaders.PromoteDraftVersion(ctx, draftID, approver, "approved update"); err != nil {
		return err
	}
	m.logger.Printf("loader %s updated (draft=%d promoted, approved by %s)",
		draft.LoaderCode, draftID, approver)
	return nil
}

// onRejected archives the draft of a rejected loader update so the rejected
// SQL is auditable alongside the live version history.
func (m *Materializer) onRejected(e events.Event) {
	ctx := context.Background()
	var requestID int64
	if err := json.Unmarshal([]byte(e.Data["request_id"]), &requestID); err != nil {
		return
	}
	r, err := m.requests.GetApprovalRequest(ctx, requestID)
	if err != nil || r.EntityType != core.EntityLoader || r.RequestType != core.RequestUpdate {
		return
	}
	draft, err := m.decodeDraft(r)
	if err != nil {
		m.logger.Printf("archive rejected draft for %s: %v", r.EntityID, err)
		return
	}
	rejector := m.lastActor(ctx, r.ID, core.ActionReject)
	reason := m.lastJustification(ctx, r.ID, core.ActionReject)
	if err := m.loaders.ArchiveRejectedLoaderDraft(ctx, draft, rejector, reason); err != nil {
		m.logger.Printf("archive rejected draft for %s: %v", r.EntityID, err)
	}
}

// decodeDraft parses the request payload and encrypts its SQL for storage.
func (m *Materializer) decodeDraft(r *core.ApprovalRequest) (*core.Loader, error) {
	var draft core.Loader
	if err := json.Unmarshal([]byte(r.RequestData), &draft); err != nil {
		return nil, core.WrapErr(core.CodeValidation, err, "decode loader draft")
	}
	if draft.LoaderCode == "" {
		draft.LoaderCode = r.EntityID
	}
	enc, err := m.codec.Encrypt(draft.SQL)
	if err != nil {
		return nil, err
	}
	draft.SQL = enc
	return &draft, nil
}

func (m *Materializer) lastActor(ctx context.Context, requestID int64, action core.ActionType) string {
	actions, err := m.requests.ListApprovalActions(ctx, requestID)
	if err != nil {
		return ""
	}
	actor := ""
	for _, a := range actions {
		if a.ActionType == action {
			actor = a.ActionBy
		}
	}
	return actor
}

func (m *Materializer) lastJustification(ctx context.Context, requestID int64, action core.ActionType) string {
	actions, err := m.requests.ListApprovalActions(ctx, requestID)
	if err != nil {
		return ""
	}
	reason := ""
	for _, a := range actions {
		if a.ActionType == action {
			reason = a.Justification
		}
	}
	return reason
}
