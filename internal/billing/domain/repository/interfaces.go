package repository

import (
	"context"
	"time"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
)

// LedgerStore is the durable mirror of processor state. It is written only
// by the reconciliation worker and by reconciliation reads.
type LedgerStore interface {
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)
	GetWorkspaceByExternalSubscription(ctx context.Context, externalSubscriptionID string) (*model.Workspace, error)
	CreateWorkspace(ctx context.Context, ws *model.Workspace) error
	// UpdateWorkspace writes ws if the stored version still equals
	// expectedVersion and ws.LastEventMarker is not older than the stored
	// marker. On success ws.Version is advanced. Otherwise
	// model.ErrVersionConflict is returned and nothing is written.
	UpdateWorkspace(ctx context.Context, ws *model.Workspace, expectedVersion int64) error
	// UpdateWorkspaceWithTransition is UpdateWorkspace plus AppendTransition
	// as one atomic write
	UpdateWorkspaceWithTransition(ctx context.Context, ws *model.Workspace, expectedVersion int64, record *model.TransitionRecord) error
	// ListStaleWorkspaces returns bound workspaces neither reconciled nor
	// failed by a sweep since reconciledBefore, oldest first
	ListStaleWorkspaces(ctx context.Context, reconciledBefore time.Time, limit int) ([]*model.Workspace, error)
	RecordSweepFailure(ctx context.Context, workspaceID string, at time.Time) error

	AppendTransition(ctx context.Context, record *model.TransitionRecord) error
	ListTransitions(ctx context.Context, workspaceID string, limit int) ([]*model.TransitionRecord, error)

	// InsertProcessedEvent inserts ev unless a record for its id exists.
	// inserted is false when the id was already present.
	InsertProcessedEvent(ctx context.Context, ev *model.ProcessedEvent) (inserted bool, err error)
	GetProcessedEvent(ctx context.Context, eventID string) (*model.ProcessedEvent, error)
	PruneProcessedEvents(ctx context.Context, before time.Time) (int64, error)

	UpsertSubscription(ctx context.Context, sub *model.Subscription) error
	ListSubscriptionsByOwner(ctx context.Context, ownerID string) ([]model.Subscription, error)
}

// SeatCounter counts the members currently holding a seat in a workspace
type SeatCounter interface {
	CountActiveSeatHolders(ctx context.Context, workspaceID string) (int, error)
}
