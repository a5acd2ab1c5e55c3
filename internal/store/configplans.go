package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/etlmon/backend/internal/core"
)

// InsertConfigPlan creates an inactive plan with its values.
func (s *Store) InsertConfigPlan(ctx context.Context, plan *core.ConfigPlan, values map[string]string) (int64, error) {
	var id int64
	err := s.withTx(ctx, sql.LevelDefault, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO config_plans (parent, plan_name, description, created_by)
			VALUES ($1,$2,$3,$4)
			RETURNING id`,
			plan.Parent, plan.PlanName, plan.Description, plan.CreatedBy).Scan(&id)
		if err != nil {
			if isUniqueViolation(err) {
				return core.Errf(core.CodeConflict,
					"plan %s/%s already exists", plan.Parent, plan.PlanName)
			}
			return fmt.Errorf("insert config plan %s/%s: %w", plan.Parent, plan.PlanName, err)
		}
		for k, v := range values {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO config_values (plan_id, key, value) VALUES ($1,$2,$3)`,
				id, k, v); err != nil {
				return fmt.Errorf("insert config value %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ActivateConfigPlan deactivates the parent's current plan and activates
// the named one in a single transaction, so exactly one plan per parent is
// active at any observable moment.
func (s *Store) ActivateConfigPlan(ctx context.Context, parent, planName string) error {
	return s.withTx(ctx, sql.LevelDefault, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE config_plans SET is_active = FALSE WHERE parent = $1 AND is_active`,
			parent); err != nil {
			return fmt.Errorf("deactivate plans for %s: %w", parent, err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE config_plans SET is_active = TRUE
			 WHERE parent = $1 AND plan_name = $2`, parent, planName)
		if err != nil {
			return fmt.Errorf("activate plan %s/%s: %w", parent, planName, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.Errf(core.CodeNotFound, "plan %s/%s not found", parent, planName)
		}
		return nil
	})
}

// GetActiveConfigValues returns the active plan's key-value map for a
// parent namespace, or an empty map when no plan is active.
func (s *Store) GetActiveConfigValues(ctx context.Context, parent string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.key, v.value
		FROM config_values v
		JOIN config_plans p ON p.id = v.plan_id
		WHERE p.parent = $1 AND p.is_active`, parent)
	if err != nil {
		return nil, fmt.Errorf("active config values for %s: %w", parent, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config value: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ListConfigPlans returns all plans for a parent.
func (s *Store) ListConfigPlans(ctx context.Context, parent string) ([]*core.ConfigPlan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent, plan_name, is_active, description, created_by, created_at
		FROM config_plans WHERE parent = $1 ORDER BY plan_name`, parent)
	if err != nil {
		return nil, fmt.Errorf("list config plans for %s: %w", parent, err)
	}
	defer rows.Close()

	var out []*core.ConfigPlan
	for rows.Next() {
		var p core.ConfigPlan
		if err := rows.Scan(&p.ID, &p.Parent, &p.PlanName, &p.IsActive,
			&p.Description, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan config plan: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpsertConfigValue sets one key on a plan.
func (s *Store) UpsertConfigValue(ctx context.Context, planID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_values (plan_id, key, value) VALUES ($1,$2,$3)
		ON CONFLICT (plan_id, key) DO UPDATE SET value = EXCLUDED.value`,
		planID, key, value)
	if err != nil {
		return fmt.Errorf("upsert config value %s: %w", key, err)
	}
	return nil
}

// DeleteConfigPlan removes an inactive plan and its values.
func (s *Store) DeleteConfigPlan(ctx context.Context, parent, planName string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM config_plans
		WHERE parent = $1 AND plan_name = $2 AND NOT is_active`, parent, planName)
	if err != nil {
		return fmt.Errorf("delete config plan %s/%s: %w", parent, planName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errf(core.CodeIllegalState,
			"plan %s/%s is active or does not exist", parent, planName)
	}
	return nil
}
