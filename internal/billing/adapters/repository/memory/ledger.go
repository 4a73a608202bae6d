// Package memory provides an in-process LedgerStore for tests and local
// development. State is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
)

// LedgerStore implements repository.LedgerStore in memory
type LedgerStore struct {
	mu              sync.RWMutex
	workspaces      map[string]*model.Workspace
	bySubscription  map[string]string
	transitions     map[string][]*model.TransitionRecord
	processedEvents map[string]*model.ProcessedEvent
	subscriptions   map[string]*model.Subscription
	sweepAttempts   map[string]time.Time
}

// NewLedgerStore creates an empty store
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		workspaces:      make(map[string]*model.Workspace),
		bySubscription:  make(map[string]string),
		transitions:     make(map[string][]*model.TransitionRecord),
		processedEvents: make(map[string]*model.ProcessedEvent),
		subscriptions:   make(map[string]*model.Subscription),
		sweepAttempts:   make(map[string]time.Time),
	}
}

// GetWorkspace returns a copy of the workspace
func (s *LedgerStore) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws, ok := s.workspaces[id]
	if !ok {
		return nil, model.ErrWorkspaceNotFound
	}
	return ws.Clone(), nil
}

// GetWorkspaceByExternalSubscription looks a workspace up by processor subscription id
func (s *LedgerStore) GetWorkspaceByExternalSubscription(ctx context.Context, externalSubscriptionID string) (*model.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySubscription[externalSubscriptionID]
	if !ok {
		return nil, model.ErrWorkspaceNotFound
	}
	return s.workspaces[id].Clone(), nil
}

// CreateWorkspace stores a new workspace
func (s *LedgerStore) CreateWorkspace(ctx context.Context, ws *model.Workspace) error {
	if err := ws.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workspaces[ws.ID]; exists {
		return model.ErrWorkspaceExists
	}
	if err := s.checkSubscriptionOwner(ws); err != nil {
		return err
	}

	s.workspaces[ws.ID] = ws.Clone()
	if ws.ExternalSubscriptionID != "" {
		s.bySubscription[ws.ExternalSubscriptionID] = ws.ID
	}
	return nil
}

// UpdateWorkspace performs the version and marker guarded write
func (s *LedgerStore) UpdateWorkspace(ctx context.Context, ws *model.Workspace, expectedVersion int64) error {
	if err := ws.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(ws, expectedVersion)
}

// UpdateWorkspaceWithTransition performs the guarded write and appends record
// under one lock; on conflict neither is stored
func (s *LedgerStore) UpdateWorkspaceWithTransition(ctx context.Context, ws *model.Workspace, expectedVersion int64, record *model.TransitionRecord) error {
	if err := ws.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateLocked(ws, expectedVersion); err != nil {
		return err
	}
	s.appendLocked(record)
	return nil
}

// updateLocked must be called with mu held
func (s *LedgerStore) updateLocked(ws *model.Workspace, expectedVersion int64) error {
	current, ok := s.workspaces[ws.ID]
	if !ok {
		return model.ErrWorkspaceNotFound
	}
	if current.Version != expectedVersion || ws.LastEventMarker < current.LastEventMarker {
		return model.ErrVersionConflict
	}
	if err := s.checkSubscriptionOwner(ws); err != nil {
		return err
	}

	if current.ExternalSubscriptionID != "" && current.ExternalSubscriptionID != ws.ExternalSubscriptionID {
		delete(s.bySubscription, current.ExternalSubscriptionID)
	}
	if ws.ExternalSubscriptionID != "" {
		s.bySubscription[ws.ExternalSubscriptionID] = ws.ID
	}

	ws.Version = expectedVersion + 1
	ws.UpdatedAt = time.Now().UTC()
	s.workspaces[ws.ID] = ws.Clone()
	return nil
}

// checkSubscriptionOwner must be called with mu held
func (s *LedgerStore) checkSubscriptionOwner(ws *model.Workspace) error {
	if ws.ExternalSubscriptionID == "" {
		return nil
	}
	if owner, ok := s.bySubscription[ws.ExternalSubscriptionID]; ok && owner != ws.ID {
		return model.ErrSubscriptionBound
	}
	return nil
}

// ListStaleWorkspaces returns bound workspaces neither reconciled nor
// attempted by a sweep since reconciledBefore
func (s *LedgerStore) ListStaleWorkspaces(ctx context.Context, reconciledBefore time.Time, limit int) ([]*model.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*model.Workspace
	for _, ws := range s.workspaces {
		if ws.ExternalSubscriptionID == "" || !ws.LastReconciledAt.Before(reconciledBefore) {
			continue
		}
		if at, ok := s.sweepAttempts[ws.ID]; ok && !at.Before(reconciledBefore) {
			continue
		}
		stale = append(stale, ws.Clone())
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastReconciledAt.Before(stale[j].LastReconciledAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// RecordSweepFailure stamps a failed sweep attempt on the workspace
func (s *LedgerStore) RecordSweepFailure(ctx context.Context, workspaceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workspaces[workspaceID]; !ok {
		return model.ErrWorkspaceNotFound
	}
	s.sweepAttempts[workspaceID] = at
	return nil
}

// AppendTransition appends an audit record
func (s *LedgerStore) AppendTransition(ctx context.Context, record *model.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(record)
	return nil
}

func (s *LedgerStore) appendLocked(record *model.TransitionRecord) {
	cp := *record
	s.transitions[record.WorkspaceID] = append(s.transitions[record.WorkspaceID], &cp)
}

// ListTransitions returns the newest records first
func (s *LedgerStore) ListTransitions(ctx context.Context, workspaceID string, limit int) ([]*model.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.transitions[workspaceID]
	out := make([]*model.TransitionRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		cp := *records[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// InsertProcessedEvent is insert-if-absent on the event id
func (s *LedgerStore) InsertProcessedEvent(ctx context.Context, ev *model.ProcessedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.processedEvents[ev.EventID]; exists {
		return false, nil
	}
	cp := *ev
	s.processedEvents[ev.EventID] = &cp
	return true, nil
}

// GetProcessedEvent returns the idempotency record for eventID
func (s *LedgerStore) GetProcessedEvent(ctx context.Context, eventID string) (*model.ProcessedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.processedEvents[eventID]
	if !ok {
		return nil, model.ErrProcessedEventNotFound
	}
	cp := *ev
	return &cp, nil
}

// PruneProcessedEvents deletes records applied before the cutoff
func (s *LedgerStore) PruneProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, ev := range s.processedEvents {
		if ev.AppliedAt.Before(before) {
			delete(s.processedEvents, id)
			n++
		}
	}
	return n, nil
}

// UpsertSubscription stores sub keyed by its id
func (s *LedgerStore) UpsertSubscription(ctx context.Context, sub *model.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sub
	s.subscriptions[sub.ID] = &cp
	return nil
}

// ListSubscriptionsByOwner returns all subscription records of an owner
func (s *LedgerStore) ListSubscriptionsByOwner(ctx context.Context, ownerID string) ([]model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Subscription
	for _, sub := range s.subscriptions {
		if sub.OwnerID == ownerID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SeatCounter is a fixed in-memory seat count per workspace
type SeatCounter struct {
	mu     sync.RWMutex
	counts map[string]int
}

// NewSeatCounter creates an empty counter
func NewSeatCounter() *SeatCounter {
	return &SeatCounter{counts: make(map[string]int)}
}

// Set records the active seat holders of a workspace
func (c *SeatCounter) Set(workspaceID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[workspaceID] = n
}

// CountActiveSeatHolders implements repository.SeatCounter
func (c *SeatCounter) CountActiveSeatHolders(ctx context.Context, workspaceID string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[workspaceID], nil
}
