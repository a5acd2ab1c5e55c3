// Package approval implements the change-control workflow: every loader
// create or update travels through an ApprovalRequest, and approved loader
// changes are applied by the materializer with full version archiving.
package approval

import (
	"context"
	"encoding/json"
	"log"

	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/events"
)

// transition is one legal edge of the request state machine.
type transition struct {
	from core.ApprovalStatus
	to   core.ApprovalStatus

	// justificationRequired rejects transitions without a reason.
	justificationRequired bool
}

var validTransitions = map[core.ActionType]transition{
	core.ActionApprove:  {from: core.PendingApproval, to: core.Approved},
	core.ActionReject:   {from: core.PendingApproval, to: core.Rejected, justificationRequired: true},
	core.ActionResubmit: {from: core.Rejected, to: core.PendingApproval},
	core.ActionRevoke:   {from: core.Approved, to: core.PendingApproval, justificationRequired: true},
}

// Requests is the persistence slice for the workflow.
type Requests interface {
	SubmitApprovalRequest(ctx context.Context, r *core.ApprovalRequest) (int64, error)
	GetApprovalRequest(ctx context.Context, id int64) (*core.ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, status core.ApprovalStatus, entityType core.EntityType) ([]*core.ApprovalRequest, error)
	TransitionApprovalRequest(ctx context.Context, requestID int64, from, to core.ApprovalStatus, action *core.ApprovalAction, requestData string) error
	MarkApprovalMaterialized(ctx context.Context, requestID int64) error
	ListApprovalActions(ctx context.Context, requestID int64) ([]*core.ApprovalAction, error)
}

// Workflow runs the generic request state machine. Entity-specific side
// effects live in the materializer, not here.
type Workflow struct {
	requests Requests
	bus      events.Bus
	logger   *log.Logger
}

// NewWorkflow wires the workflow.
func NewWorkflow(requests Requests, bus events.Bus) *Workflow {
	return &Workflow{
		requests: requests,
		bus:      bus,
		logger:   log.New(log.Writer(), "[APPROVAL] ", log.LstdFlags),
	}
}

// Submit opens a request. For LOADER entities the draft is validated up
// front so reviewers never see an unapprovable payload.
func (w *Workflow) Submit(ctx context.Context, entityType core.EntityType, entityID string,
	requestType core.RequestType, requestData string, requestedBy core.Principal) (*core.ApprovalRequest, error) {

	if entityID == "" {
		return nil, core.Errf(core.CodeValidation, "entity id is required")
	}
	if entityType == core.EntityLoader {
		if err := validateLoaderDraft(entityID, requestData); err != nil {
			return nil, err
		}
	}

	r := &core.ApprovalRequest{
		EntityType:  entityType,
		EntityID:    entityID,
		RequestType: requestType,
		RequestData: requestData,
		RequestedBy: requestedBy.Username,
	}
	id, err := w.requests.SubmitApprovalRequest(ctx, r)
	if err != nil {
		return nil, err
	}
	r.ID = id
	r.ApprovalStatus = core.PendingApproval
	w.logger.Printf("request %d: %s %s/%s submitted by %s",
		id, requestType, entityType, entityID, requestedBy.Username)
	return r, nil
}

// Approve moves PENDING_APPROVAL to APPROVED.
func (w *Workflow) Approve(ctx context.Context, requestID int64, actor core.Principal, justification string) error {
	if err := w.apply(ctx, requestID, core.ActionApprove, actor, justification, ""); err != nil {
		return err
	}
	if r, err := w.requests.GetApprovalRequest(ctx, requestID); err == nil && w.bus != nil {
		w.bus.Publish(ctx, events.New(events.TypeLoaderApproved, r.EntityID, map[string]string{
			"request_id": jsonNumber(requestID),
			"entity":     string(r.EntityType),
			"actor":      actor.Username,
		}))
	}
	return nil
}

// Reject moves PENDING_APPROVAL to REJECTED. Justification is mandatory.
func (w *Workflow) Reject(ctx context.Context, requestID int64, actor core.Principal, justification string) error {
	if err := w.apply(ctx, requestID, core.ActionReject, actor, justification, ""); err != nil {
		return err
	}
	if r, err := w.requests.GetApprovalRequest(ctx, requestID); err == nil && w.bus != nil {
		w.bus.Publish(ctx, events.New(events.TypeLoaderRejected, r.EntityID, map[string]string{
			"request_id": jsonNumber(requestID),
			"actor":      actor.Username,
		}))
	}
	return nil
}

// Resubmit moves REJECTED back to PENDING_APPROVAL with a fresh payload.
func (w *Workflow) Resubmit(ctx context.Context, requestID int64, requestData string, actor core.Principal) error {
	r, err := w.requests.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if requestData != "" && r.EntityType == core.EntityLoader {
		if err := validateLoaderDraft(r.EntityID, requestData); err != nil {
			return err
		}
	}
	return w.apply(ctx, requestID, core.ActionResubmit, actor, "", requestData)
}

// Revoke pulls an APPROVED request back to PENDING_APPROVAL before the
// materializer applies it. A materialized request cannot be revoked.
func (w *Workflow) Revoke(ctx context.Context, requestID int64, actor core.Principal, justification string) error {
	r, err := w.requests.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Materialized {
		return core.Errf(core.CodeIllegalState,
			"request %d is already materialized; submit a new change instead", requestID)
	}
	return w.apply(ctx, requestID, core.ActionRevoke, actor, justification, "")
}

// Get returns one request.
func (w *Workflow) Get(ctx context.Context, requestID int64) (*core.ApprovalRequest, error) {
	return w.requests.GetApprovalRequest(ctx, requestID)
}

// List filters requests by status and entity type; empty means all.
func (w *Workflow) List(ctx context.Context, status core.ApprovalStatus, entityType core.EntityType) ([]*core.ApprovalRequest, error) {
	return w.requests.ListApprovalRequests(ctx, status, entityType)
}

// History returns the action trail of a request, oldest first.
func (w *Workflow) History(ctx context.Context, requestID int64) ([]*core.ApprovalAction, error) {
	return w.requests.ListApprovalActions(ctx, requestID)
}

func (w *Workflow) apply(ctx context.Context, requestID int64, action core.ActionType,
	actor core.Principal, justification, requestData string) error {

	if !actor.HasRole(core.RoleAdmin) {
		return core.Errf(core.CodeAuth, "%s requires the %s role", action, core.RoleAdmin)
	}
	tr, ok := validTransitions[action]
	if !ok {
		return core.Errf(core.CodeValidation, "unknown action %q", action)
	}
	if tr.justificationRequired && justification == "" {
		return core.Errf(core.CodeValidation, "%s requires a justification", action)
	}

	rec := &core.ApprovalAction{
		RequestID:     requestID,
		ActionType:    action,
		ActionBy:      actor.Username,
		Justification: justification,
	}
	if err := w.requests.TransitionApprovalRequest(ctx, requestID, tr.from, tr.to, rec, requestData); err != nil {
		return err
	}
	w.logger.Printf("request %d: %s by %s (%s -> %s)", requestID, action, actor.Username, tr.from, tr.to)
	return nil
}

// validateLoaderDraft checks the payload parses into a loader draft whose
// code matches the entity id and whose fields satisfy the bounds.
func validateLoaderDraft(entityID, requestData string) error {
	var draft core.Loader
	if err := json.Unmarshal([]byte(requestData), &draft); err != nil {
		return core.WrapErr(core.CodeValidation, err, "request data is not a loader draft")
	}
	if draft.LoaderCode == "" {
		draft.LoaderCode = entityID
	}
	if draft.LoaderCode != entityID {
		return core.Errf(core.CodeValidation,
			"draft loader code %q does not match entity id %q", draft.LoaderCode, entityID)
	}
	// Drafts are validated as if disabled; enabling is a separate step.
	draft.Enabled = false
	draft.ApprovalStatus = core.PendingApproval
	draft.VersionStatus = core.VersionDraft
	return core.ValidateLoader(&draft)
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
