// Package postgres provides the PostgreSQL ledger store
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/platform/database"
)

const uniqueViolation = "23505"

const workspaceColumns = `id, owner_id, external_customer_id, external_subscription_id,
	external_subscription_item_id, price_id, plan, seats, status, billing_interval,
	trial_start, trial_end, current_period_start, current_period_end,
	cancel_at_period_end, canceled_at, ai_credits, ai_credits_reset_at,
	version, last_event_marker, last_reconciled_at, created_at, updated_at`

// LedgerStore implements repository.LedgerStore on PostgreSQL
type LedgerStore struct {
	db *database.DB
}

// NewLedgerStore creates a new PostgreSQL ledger store
func NewLedgerStore(db *database.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// GetWorkspace finds a workspace by ID
func (r *LedgerStore) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	return r.findWorkspaceBy(ctx, "id", id)
}

// GetWorkspaceByExternalSubscription finds a workspace by processor subscription ID
func (r *LedgerStore) GetWorkspaceByExternalSubscription(ctx context.Context, externalSubscriptionID string) (*model.Workspace, error) {
	return r.findWorkspaceBy(ctx, "external_subscription_id", externalSubscriptionID)
}

func (r *LedgerStore) findWorkspaceBy(ctx context.Context, field, value string) (*model.Workspace, error) {
	query := fmt.Sprintf(`SELECT %s FROM billing_workspaces WHERE %s = $1`, workspaceColumns, field)

	ws, err := scanWorkspace(r.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace by %s: %w", field, err)
	}
	return ws, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkspace(row rowScanner) (*model.Workspace, error) {
	var (
		ws                                           model.Workspace
		customerID, subscriptionID, itemID, priceID  sql.NullString
		plan, interval                               sql.NullString
		trialStart, trialEnd, periodStart, periodEnd sql.NullTime
		canceledAt, creditsResetAt, lastReconciledAt sql.NullTime
		status                                       string
	)

	err := row.Scan(
		&ws.ID,
		&ws.OwnerID,
		&customerID,
		&subscriptionID,
		&itemID,
		&priceID,
		&plan,
		&ws.Seats,
		&status,
		&interval,
		&trialStart,
		&trialEnd,
		&periodStart,
		&periodEnd,
		&ws.CancelAtPeriodEnd,
		&canceledAt,
		&ws.AICredits,
		&creditsResetAt,
		&ws.Version,
		&ws.LastEventMarker,
		&lastReconciledAt,
		&ws.CreatedAt,
		&ws.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ws.ExternalCustomerID = customerID.String
	ws.ExternalSubscriptionID = subscriptionID.String
	ws.ExternalSubscriptionItemID = itemID.String
	ws.PriceID = priceID.String
	ws.Plan = plan.String
	ws.Status = model.SubscriptionStatus(status)
	ws.BillingInterval = model.BillingInterval(interval.String)
	ws.TrialStart = nullTimePtr(trialStart)
	ws.TrialEnd = nullTimePtr(trialEnd)
	ws.CurrentPeriodStart = periodStart.Time
	ws.CurrentPeriodEnd = periodEnd.Time
	ws.CanceledAt = nullTimePtr(canceledAt)
	ws.AICreditsResetAt = nullTimePtr(creditsResetAt)
	ws.LastReconciledAt = lastReconciledAt.Time

	return &ws, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timePtrArg(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// CreateWorkspace inserts a new workspace
func (r *LedgerStore) CreateWorkspace(ctx context.Context, ws *model.Workspace) error {
	if err := ws.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO billing_workspaces (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`, workspaceColumns)

	_, err := r.db.ExecContext(ctx, query,
		ws.ID,
		ws.OwnerID,
		database.NullString(ws.ExternalCustomerID),
		database.NullString(ws.ExternalSubscriptionID),
		database.NullString(ws.ExternalSubscriptionItemID),
		database.NullString(ws.PriceID),
		database.NullString(ws.Plan),
		ws.Seats,
		string(ws.Status),
		database.NullString(string(ws.BillingInterval)),
		timePtrArg(ws.TrialStart),
		timePtrArg(ws.TrialEnd),
		database.NullTime(ws.CurrentPeriodStart),
		database.NullTime(ws.CurrentPeriodEnd),
		ws.CancelAtPeriodEnd,
		timePtrArg(ws.CanceledAt),
		ws.AICredits,
		timePtrArg(ws.AICreditsResetAt),
		ws.Version,
		ws.LastEventMarker,
		database.NullTime(ws.LastReconciledAt),
		ws.CreatedAt,
		ws.UpdatedAt,
	)
	if err != nil {
		return translateUniqueViolation(err, model.ErrWorkspaceExists)
	}
	return nil
}

// execer is satisfied by both the pool and a transaction
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// UpdateWorkspace writes ws guarded by version and event marker
func (r *LedgerStore) UpdateWorkspace(ctx context.Context, ws *model.Workspace, expectedVersion int64) error {
	if err := ws.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := updateWorkspace(ctx, r.db, ws, expectedVersion, now); err != nil {
		return err
	}
	ws.Version = expectedVersion + 1
	ws.UpdatedAt = now
	return nil
}

// UpdateWorkspaceWithTransition performs the guarded write and inserts record
// in one transaction
func (r *LedgerStore) UpdateWorkspaceWithTransition(ctx context.Context, ws *model.Workspace, expectedVersion int64, record *model.TransitionRecord) error {
	if err := ws.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := updateWorkspace(ctx, tx, ws, expectedVersion, now); err != nil {
			return err
		}
		return appendTransition(ctx, tx, record)
	})
	if err != nil {
		return err
	}
	ws.Version = expectedVersion + 1
	ws.UpdatedAt = now
	return nil
}

func updateWorkspace(ctx context.Context, q execer, ws *model.Workspace, expectedVersion int64, now time.Time) error {
	query := `
		UPDATE billing_workspaces SET
			owner_id = $3,
			external_customer_id = $4,
			external_subscription_id = $5,
			external_subscription_item_id = $6,
			price_id = $7,
			plan = $8,
			seats = $9,
			status = $10,
			billing_interval = $11,
			trial_start = $12,
			trial_end = $13,
			current_period_start = $14,
			current_period_end = $15,
			cancel_at_period_end = $16,
			canceled_at = $17,
			ai_credits = $18,
			ai_credits_reset_at = $19,
			last_event_marker = $20,
			last_reconciled_at = $21,
			updated_at = $22,
			version = version + 1
		WHERE id = $1 AND version = $2 AND last_event_marker <= $20
	`

	result, err := q.ExecContext(ctx, query,
		ws.ID,
		expectedVersion,
		ws.OwnerID,
		database.NullString(ws.ExternalCustomerID),
		database.NullString(ws.ExternalSubscriptionID),
		database.NullString(ws.ExternalSubscriptionItemID),
		database.NullString(ws.PriceID),
		database.NullString(ws.Plan),
		ws.Seats,
		string(ws.Status),
		database.NullString(string(ws.BillingInterval)),
		timePtrArg(ws.TrialStart),
		timePtrArg(ws.TrialEnd),
		database.NullTime(ws.CurrentPeriodStart),
		database.NullTime(ws.CurrentPeriodEnd),
		ws.CancelAtPeriodEnd,
		timePtrArg(ws.CanceledAt),
		ws.AICredits,
		timePtrArg(ws.AICreditsResetAt),
		ws.LastEventMarker,
		database.NullTime(ws.LastReconciledAt),
		now,
	)
	if err != nil {
		return translateUniqueViolation(err, model.ErrSubscriptionBound)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := q.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM billing_workspaces WHERE id = $1)`, ws.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check workspace: %w", err)
		}
		if !exists {
			return model.ErrWorkspaceNotFound
		}
		return model.ErrVersionConflict
	}
	return nil
}

func translateUniqueViolation(err error, onPrimary error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		if pqErr.Constraint == "ux_billing_workspaces_external_subscription" {
			return model.ErrSubscriptionBound
		}
		return onPrimary
	}
	return err
}

// ListStaleWorkspaces returns bound workspaces last reconciled before the
// cutoff, oldest first. Workspaces whose last sweep attempt failed after the
// cutoff are left out until that attempt is stale too.
func (r *LedgerStore) ListStaleWorkspaces(ctx context.Context, reconciledBefore time.Time, limit int) ([]*model.Workspace, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM billing_workspaces
		WHERE external_subscription_id IS NOT NULL
			AND (last_reconciled_at IS NULL OR last_reconciled_at < $1)
			AND (last_sweep_attempt_at IS NULL OR last_sweep_attempt_at < $1)
		ORDER BY last_reconciled_at NULLS FIRST
		LIMIT $2
	`, workspaceColumns)

	rows, err := r.db.QueryContext(ctx, query, reconciledBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale workspaces: %w", err)
	}
	defer rows.Close()

	var out []*model.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// RecordSweepFailure stamps a failed sweep attempt on the workspace
func (r *LedgerStore) RecordSweepFailure(ctx context.Context, workspaceID string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE billing_workspaces SET last_sweep_attempt_at = $2 WHERE id = $1`, workspaceID, at)
	if err != nil {
		return fmt.Errorf("failed to record sweep failure: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return model.ErrWorkspaceNotFound
	}
	return nil
}

// AppendTransition inserts an audit record
func (r *LedgerStore) AppendTransition(ctx context.Context, record *model.TransitionRecord) error {
	return appendTransition(ctx, r.db, record)
}

func appendTransition(ctx context.Context, q execer, record *model.TransitionRecord) error {
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode transition metadata: %w", err)
	}
	if record.Metadata == nil {
		metadata = []byte("{}")
	}

	query := `
		INSERT INTO billing_transitions (id, workspace_id, event_id, action, previous_plan, new_plan,
			previous_seats, new_seats, previous_status, new_status, amount, currency, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = q.ExecContext(ctx, query,
		record.ID,
		record.WorkspaceID,
		database.NullString(record.EventID),
		string(record.Action),
		database.NullString(record.PreviousPlan),
		database.NullString(record.NewPlan),
		record.PreviousSeats,
		record.NewSeats,
		string(record.PreviousStatus),
		string(record.NewStatus),
		record.Amount,
		database.NullString(record.Currency),
		metadata,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

// ListTransitions returns the newest records of a workspace first
func (r *LedgerStore) ListTransitions(ctx context.Context, workspaceID string, limit int) ([]*model.TransitionRecord, error) {
	query := `
		SELECT id, workspace_id, event_id, action, previous_plan, new_plan, previous_seats, new_seats,
			previous_status, new_status, amount, currency, metadata, created_at
		FROM billing_transitions
		WHERE workspace_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []*model.TransitionRecord
	for rows.Next() {
		var (
			t                                model.TransitionRecord
			eventID, prevPlan, newPlan, curr sql.NullString
			action, prevStatus, newStatus    string
			metadata                         []byte
		)
		if err := rows.Scan(
			&t.ID,
			&t.WorkspaceID,
			&eventID,
			&action,
			&prevPlan,
			&newPlan,
			&t.PreviousSeats,
			&t.NewSeats,
			&prevStatus,
			&newStatus,
			&t.Amount,
			&curr,
			&metadata,
			&t.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}

		t.EventID = eventID.String
		t.Action = model.TransitionAction(action)
		t.PreviousPlan = prevPlan.String
		t.NewPlan = newPlan.String
		t.PreviousStatus = model.SubscriptionStatus(prevStatus)
		t.NewStatus = model.SubscriptionStatus(newStatus)
		t.Currency = curr.String
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode transition metadata: %w", err)
			}
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// InsertProcessedEvent inserts the idempotency record unless it exists
func (r *LedgerStore) InsertProcessedEvent(ctx context.Context, ev *model.ProcessedEvent) (bool, error) {
	query := `
		INSERT INTO billing_processed_events (event_id, event_type, outcome, applied_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query, ev.EventID, string(ev.EventType), string(ev.Outcome), ev.AppliedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert processed event: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

// GetProcessedEvent finds the idempotency record of an event
func (r *LedgerStore) GetProcessedEvent(ctx context.Context, eventID string) (*model.ProcessedEvent, error) {
	query := `SELECT event_id, event_type, outcome, applied_at FROM billing_processed_events WHERE event_id = $1`

	var ev model.ProcessedEvent
	var eventType, outcome string
	err := r.db.QueryRowContext(ctx, query, eventID).Scan(&ev.EventID, &eventType, &outcome, &ev.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrProcessedEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load processed event: %w", err)
	}

	ev.EventType = model.EventType(eventType)
	ev.Outcome = model.Outcome(outcome)
	return &ev, nil
}

// PruneProcessedEvents deletes idempotency records applied before the cutoff
func (r *LedgerStore) PruneProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM billing_processed_events WHERE applied_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed events: %w", err)
	}
	return result.RowsAffected()
}

// UpsertSubscription inserts or overwrites a subscription record
func (r *LedgerStore) UpsertSubscription(ctx context.Context, sub *model.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO billing_subscriptions (id, workspace_id, owner_id, scope, external_subscription_id, plan,
			status, seats_purchased, billing_interval, ai_credits_used, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			external_subscription_id = EXCLUDED.external_subscription_id,
			plan = EXCLUDED.plan,
			status = EXCLUDED.status,
			seats_purchased = EXCLUDED.seats_purchased,
			billing_interval = EXCLUDED.billing_interval,
			ai_credits_used = EXCLUDED.ai_credits_used,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		database.NullString(sub.WorkspaceID),
		sub.OwnerID,
		string(sub.Scope),
		database.NullString(sub.ExternalSubscriptionID),
		database.NullString(sub.Plan),
		string(sub.Status),
		sub.SeatsPurchased,
		database.NullString(string(sub.BillingInterval)),
		sub.AICreditsUsed,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// ListSubscriptionsByOwner returns every subscription record of an owner
func (r *LedgerStore) ListSubscriptionsByOwner(ctx context.Context, ownerID string) ([]model.Subscription, error) {
	query := `
		SELECT id, workspace_id, owner_id, scope, external_subscription_id, plan, status,
			seats_purchased, billing_interval, ai_credits_used, created_at, updated_at
		FROM billing_subscriptions
		WHERE owner_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		var (
			s                                       model.Subscription
			workspaceID, externalID, plan, interval sql.NullString
			scope, status                           string
		)
		if err := rows.Scan(
			&s.ID,
			&workspaceID,
			&s.OwnerID,
			&scope,
			&externalID,
			&plan,
			&status,
			&s.SeatsPurchased,
			&interval,
			&s.AICreditsUsed,
			&s.CreatedAt,
			&s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}

		s.WorkspaceID = workspaceID.String
		s.Scope = model.Scope(scope)
		s.ExternalSubscriptionID = externalID.String
		s.Plan = plan.String
		s.Status = model.SubscriptionStatus(status)
		s.BillingInterval = model.BillingInterval(interval.String)
		out = append(out, s)
	}
	return out, rows.Err()
}
