package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/etlmon/backend/internal/core"
)

const approvalColumns = `id, entity_type, entity_id, request_type, request_data,
	approval_status, requested_by, requested_at, materialized, updated_at`

func scanApproval(row interface{ Scan(...interface{}) error }) (*core.ApprovalRequest, error) {
	var r core.ApprovalRequest
	err := row.Scan(&r.ID, &r.EntityType, &r.EntityID, &r.RequestType, &r.RequestData,
		&r.ApprovalStatus, &r.RequestedBy, &r.RequestedAt, &r.Materialized, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertApprovalRequest creates a PENDING_APPROVAL row. The partial unique
// index rejects a second open request for the same entity.
func (s *Store) InsertApprovalRequest(ctx context.Context, r *core.ApprovalRequest) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO approval_requests (entity_type, entity_id, request_type,
			request_data, approval_status, requested_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`,
		string(r.EntityType), r.EntityID, string(r.RequestType),
		r.RequestData, string(core.PendingApproval), r.RequestedBy).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, core.Errf(core.CodeConflict,
				"%s %s already has a pending request", r.EntityType, r.EntityID)
		}
		return 0, fmt.Errorf("insert approval request: %w", err)
	}
	return id, nil
}

// SubmitApprovalRequest inserts the PENDING_APPROVAL row together with its
// SUBMIT action in one transaction.
func (s *Store) SubmitApprovalRequest(ctx context.Context, r *core.ApprovalRequest) (int64, error) {
	var id int64
	err := s.withTx(ctx, sql.LevelDefault, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO approval_requests (entity_type, entity_id, request_type,
				request_data, approval_status, requested_by)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id`,
			string(r.EntityType), r.EntityID, string(r.RequestType),
			r.RequestData, string(core.PendingApproval), r.RequestedBy).Scan(&id)
		if err != nil {
			if isUniqueViolation(err) {
				return core.Errf(core.CodeConflict,
					"%s %s already has a pending request", r.EntityType, r.EntityID)
			}
			return fmt.Errorf("insert approval request: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO approval_actions (request_id, action_type, action_by,
				previous_status, new_status, justification)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			id, string(core.ActionSubmit), r.RequestedBy,
			string(core.PendingApproval), string(core.PendingApproval), "")
		if err != nil {
			return fmt.Errorf("record submit action: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetApprovalRequest fetches one request by id.
func (s *Store) GetApprovalRequest(ctx context.Context, id int64) (*core.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)
	r, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, core.Errf(core.CodeNotFound, "approval request %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval request %d: %w", id, err)
	}
	return r, nil
}

// ListApprovalRequests filters by status and/or entity type; empty means all.
func (s *Store) ListApprovalRequests(ctx context.Context, status core.ApprovalStatus, entityType core.EntityType) ([]*core.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE 1=1`
	args := []interface{}{}
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(` AND approval_status = $%d`, len(args))
	}
	if entityType != "" {
		args = append(args, string(entityType))
		query += fmt.Sprintf(` AND entity_type = $%d`, len(args))
	}
	query += ` ORDER BY requested_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()

	var out []*core.ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransitionApprovalRequest updates the request status and appends the
// action record in one transaction. The status guard makes the transition
// compare-and-swap: a concurrent approver loses with ILLEGAL_STATE.
func (s *Store) TransitionApprovalRequest(ctx context.Context, requestID int64,
	from, to core.ApprovalStatus, action *core.ApprovalAction, requestData string) error {

	return s.withTx(ctx, sql.LevelDefault, func(tx *sql.Tx) error {
		var query string
		args := []interface{}{requestID, string(to), string(from)}
		if requestData != "" {
			query = `UPDATE approval_requests
				 SET approval_status = $2, request_data = $4, updated_at = now()
				 WHERE id = $1 AND approval_status = $3`
			args = append(args, requestData)
		} else {
			query = `UPDATE approval_requests
				 SET approval_status = $2, updated_at = now()
				 WHERE id = $1 AND approval_status = $3`
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("transition approval request %d: %w", requestID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.Errf(core.CodeIllegalState,
				"approval request %d is not %s", requestID, from)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO approval_actions (request_id, action_type, action_by,
				previous_status, new_status, justification)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			requestID, string(action.ActionType), action.ActionBy,
			string(from), string(to), action.Justification)
		if err != nil {
			return fmt.Errorf("record approval action for %d: %w", requestID, err)
		}
		return nil
	})
}

// MarkApprovalMaterialized records that the approved change was applied.
func (s *Store) MarkApprovalMaterialized(ctx context.Context, requestID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET materialized = TRUE, updated_at = now()
		WHERE id = $1`, requestID)
	if err != nil {
		return fmt.Errorf("mark approval %d materialized: %w", requestID, err)
	}
	return nil
}

// ListApprovalActions returns the audit trail of one request, oldest first.
func (s *Store) ListApprovalActions(ctx context.Context, requestID int64) ([]*core.ApprovalAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, action_type, action_by, action_at,
		       previous_status, new_status, justification
		FROM approval_actions
		WHERE request_id = $1 ORDER BY action_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list actions for request %d: %w", requestID, err)
	}
	defer rows.Close()

	var out []*core.ApprovalAction
	for rows.Next() {
		var a core.ApprovalAction
		if err := rows.Scan(&a.ID, &a.RequestID, &a.ActionType, &a.ActionBy,
			&a.ActionAt, &a.PreviousStatus, &a.NewStatus, &a.Justification); err != nil {
			return nil, fmt.Errorf("scan approval action: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
