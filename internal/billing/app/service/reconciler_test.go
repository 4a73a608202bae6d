package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/subledger/internal/billing/adapters/lock"
	"github.com/linkflow-ai/subledger/internal/billing/adapters/repository/memory"
	stripeadapter "github.com/linkflow-ai/subledger/internal/billing/adapters/stripe"
	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
)

func TestCheckoutProvisionsAndBindsWorkspace(t *testing.T) {
	h := newHarness(t)

	outcome := h.process(t, checkoutEvent(t, "evt_1", 1000, "ws_1", "user_1", activeSub("sub_1", "ws_1", 5)))
	assert.Equal(t, model.OutcomeApplied, outcome)

	ws := h.workspace(t, "ws_1")
	assert.Equal(t, "user_1", ws.OwnerID)
	assert.Equal(t, "cus_1", ws.ExternalCustomerID)
	assert.Equal(t, "sub_1", ws.ExternalSubscriptionID)
	assert.Equal(t, "si_sub_1", ws.ExternalSubscriptionItemID)
	assert.Equal(t, model.StatusActive, ws.Status)
	assert.Equal(t, "starter", ws.Plan)
	assert.Equal(t, model.IntervalMonthly, ws.BillingInterval)
	assert.Equal(t, 5, ws.Seats)
	assert.Equal(t, int64(1000), ws.LastEventMarker)
	assert.True(t, ws.CurrentPeriodEnd.Equal(periodEnd))

	records := h.transitions(t, "ws_1")
	require.Len(t, records, 1)
	assert.Equal(t, model.ActionCreated, records[0].Action)
	assert.Equal(t, "evt_1", records[0].EventID)
	assert.Equal(t, int64(2500), records[0].Amount)
	assert.Equal(t, "cs_evt_1", records[0].Metadata["checkout_session_id"])

	processed, err := h.store.GetProcessedEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApplied, processed.Outcome)

	subs, err := h.store.ListSubscriptionsByOwner(context.Background(), "user_1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub_1", subs[0].ExternalSubscriptionID)
	assert.Equal(t, 5, subs[0].SeatsPurchased)
}

func TestDuplicateDeliveriesApplyOnce(t *testing.T) {
	h := newHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))

	sub := activeSub("sub_1", "ws_1", 7)
	env := subscriptionEvent(t, "evt_seats", model.EventSubscriptionUpdated, 2000, sub)

	assert.Equal(t, model.OutcomeApplied, h.process(t, env))
	assert.Equal(t, model.OutcomeSkippedDuplicate, h.process(t, env))
	assert.Equal(t, model.OutcomeSkippedDuplicate, h.process(t, env))

	ws := h.workspace(t, "ws_1")
	assert.Equal(t, 7, ws.Seats)

	records := h.transitions(t, "ws_1")
	require.Len(t, records, 2)
	assert.Equal(t, model.ActionSeatsChanged, records[0].Action)
	assert.Equal(t, 5, records[0].PreviousSeats)
	assert.Equal(t, 7, records[0].NewSeats)
}

func TestConcurrentDuplicateDeliveriesApplyOnce(t *testing.T) {
	h := newHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))
	env := subscriptionEvent(t, "evt_race", model.EventSubscriptionUpdated, 2000, activeSub("sub_1", "ws_1", 9))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[model.Outcome]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := h.rec.Process(context.Background(), env)
			assert.NoError(t, err)
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[model.OutcomeApplied])
	assert.Equal(t, 7, outcomes[model.OutcomeSkippedDuplicate])
	assert.Len(t, h.transitions(t, "ws_1"), 2)
}

func TestOlderEventIsSuperseded(t *testing.T) {
	h := newHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))

	newer := subscriptionEvent(t, "evt_newer", model.EventSubscriptionUpdated, 2000, activeSub("sub_1", "ws_1", 7))
	older := subscriptionEvent(t, "evt_older", model.EventSubscriptionUpdated, 1500, activeSub("sub_1", "ws_1", 3))
	same := subscriptionEvent(t, "evt_same", model.EventSubscriptionUpdated, 2000, activeSub("sub_1", "ws_1", 8))

	assert.Equal(t, model.OutcomeApplied, h.process(t, newer))
	assert.Equal(t, model.OutcomeSkippedSuperseded, h.process(t, older))
	assert.Equal(t, 7, h.workspace(t, "ws_1").Seats)

	// equal markers still apply
	assert.Equal(t, model.OutcomeApplied, h.process(t, same))
	assert.Equal(t, 8, h.workspace(t, "ws_1").Seats)

	processed, err := h.store.GetProcessedEvent(context.Background(), "evt_older")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSkippedSuperseded, processed.Outcome)
}

func TestFinalStateIndependentOfDeliveryOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("the newest event wins regardless of delivery order and duplication", prop.ForAll(
		func(seats []int, seed int64) bool {
			h := newHarness(t)
			h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 1))

			events := make([]*model.Envelope, 0, 2*len(seats))
			for i, n := range seats {
				env := subscriptionEvent(t, "evt_"+string(rune('a'+i)), model.EventSubscriptionUpdated,
					int64(2000+i), activeSub("sub_1", "ws_1", n))
				events = append(events, env, env)
			}
			rng := rand.New(rand.NewSource(seed))
			rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

			applied := 0
			for _, env := range events {
				outcome, err := h.rec.Process(context.Background(), env)
				if err != nil {
					return false
				}
				if outcome == model.OutcomeApplied {
					applied++
				}
			}

			ws, err := h.store.GetWorkspace(context.Background(), "ws_1")
			if err != nil {
				return false
			}
			records, err := h.store.ListTransitions(context.Background(), "ws_1", 0)
			if err != nil {
				return false
			}
			return ws.Seats == seats[len(seats)-1] &&
				ws.LastEventMarker == int64(2000+len(seats)-1) &&
				applied <= len(seats) &&
				len(records) == applied+1
		},
		gen.SliceOfN(6, gen.IntRange(1, 50)),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestCheckoutThenDeletedCancelsAndKeepsHistory(t *testing.T) {
	h := newHarness(t)
	sub := activeSub("sub_1", "ws_1", 5)
	h.bindWorkspace(t, "ws_1", sub)

	deleted := sub
	deleted.Status = "canceled"
	deleted.CanceledAt = testNow.Add(-time.Hour).Unix()
	outcome := h.process(t, subscriptionEvent(t, "evt_deleted", model.EventSubscriptionDeleted, 2000, deleted))
	assert.Equal(t, model.OutcomeApplied, outcome)

	ws := h.workspace(t, "ws_1")
	assert.Equal(t, model.StatusCanceled, ws.Status)
	require.NotNil(t, ws.CanceledAt)
	assert.True(t, ws.CanceledAt.Equal(testNow.Add(-time.Hour).Truncate(time.Second)))
	assert.Equal(t, 5, ws.Seats)
	assert.Equal(t, "starter", ws.Plan)
	assert.Equal(t, "sub_1", ws.ExternalSubscriptionID)

	records := h.transitions(t, "ws_1")
	require.Len(t, records, 2)
	assert.Equal(t, model.ActionCanceled, records[0].Action)
	assert.Equal(t, model.StatusActive, records[0].PreviousStatus)
	assert.Equal(t, model.StatusCanceled, records[0].NewStatus)

	// dunning after cancellation changes nothing
	failed := invoiceEvent(t, "evt_failed_late", model.EventInvoicePaymentFailed, 3000, "sub_1", periodStart, periodEnd, "subscription_cycle")
	assert.Equal(t, model.OutcomeSkippedSuperseded, h.process(t, failed))
	assert.Equal(t, model.StatusCanceled, h.workspace(t, "ws_1").Status)
}

func TestSameMarkerUpdateAfterDeletedDoesNotResurrect(t *testing.T) {
	h := newHarness(t)
	sub := activeSub("sub_1", "ws_1", 5)
	h.bindWorkspace(t, "ws_1", sub)

	deleted := sub
	deleted.Status = "canceled"
	deleted.CanceledAt = testNow.Add(-time.Hour).Unix()
	require.Equal(t, model.OutcomeApplied,
		h.process(t, subscriptionEvent(t, "evt_deleted", model.EventSubscriptionDeleted, 2000, deleted)))

	// the processor emitted both within the same second
	updated := sub
	updated.Quantity = 7
	outcome := h.process(t, subscriptionEvent(t, "evt_updated", model.EventSubscriptionUpdated, 2000, updated))
	assert.Equal(t, model.OutcomeSkippedSuperseded, outcome)

	ws := h.workspace(t, "ws_1")
	assert.Equal(t, model.StatusCanceled, ws.Status)
	require.NotNil(t, ws.CanceledAt)
	assert.True(t, ws.CanceledAt.Equal(testNow.Add(-time.Hour).Truncate(time.Second)))
	assert.Equal(t, 5, ws.Seats)
	assert.Len(t, h.transitions(t, "ws_1"), 2)
}

func TestCanceledUpdateWithoutTimestampKeepsCanceledAt(t *testing.T) {
	h := newHarness(t)
	sub := activeSub("sub_1", "ws_1", 5)
	h.bindWorkspace(t, "ws_1", sub)

	deleted := sub
	deleted.Status = "canceled"
	deleted.CanceledAt = testNow.Add(-time.Hour).Unix()
	h.process(t, subscriptionEvent(t, "evt_deleted", model.EventSubscriptionDeleted, 2000, deleted))

	late := sub
	late.Status = "canceled"
	late.CanceledAt = 0
	h.process(t, subscriptionEvent(t, "evt_late", model.EventSubscriptionUpdated, 3000, late))

	ws := h.workspace(t, "ws_1")
	assert.Equal(t, model.StatusCanceled, ws.Status)
	require.NotNil(t, ws.CanceledAt)
	assert.True(t, ws.CanceledAt.Equal(testNow.Add(-time.Hour).Truncate(time.Second)))
}

func TestFreshCheckoutReactivatesCanceledWorkspace(t *testing.T) {
	h := newHarness(t)
	old := activeSub("sub_old", "ws_1", 5)
	h.bindWorkspace(t, "ws_1", old)

	old.Status = "canceled"
	h.process(t, subscriptionEvent(t, "evt_deleted", model.EventSubscriptionDeleted, 2000, old))

	fresh := activeSub("sub_new", "ws_1", 3)
	fresh.PriceID = "price_pro_m"
	outcome := h.process(t, checkoutEvent(t, "evt_checkout_again", 3000, "ws_1", "user_1", fresh))
	assert.Equal(t, model.OutcomeApplied, outcome)

	ws := h.workspace(t, "ws_1")
	assert.Equal(t, "sub_new", ws.ExternalSubscriptionID)
	assert.Equal(t, model.StatusActive, ws.Status)
	assert.Equal(t, "pro", ws.Plan)
	assert.Equal(t, 3, ws.Seats)
	assert.Equal(t, model.ActionReactivated, h.transitions(t, "ws_1")[0].Action)

	_, err := h.store.GetWorkspaceByExternalSubscription(context.Background(), "sub_old")
	assert.ErrorIs(t, err, model.ErrWorkspaceNotFound)
}

func TestPaymentFailedDeliveredThreeTimes(t *testing.T) {
	h := newHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))

	env := invoiceEvent(t, "evt_failed", model.EventInvoicePaymentFailed, 2000, "sub_1", periodStart, periodEnd, "subscription_cycle")
	assert.Equal(t, model.OutcomeApplied, h.process(t, env))
	assert.Equal(t, model.OutcomeSkippedDuplicate, h.process(t, env))
	assert.Equal(t, model.OutcomeSkippedDuplicate, h.process(t, env))

	ws := h.workspace(t, "ws_1")
	assert.Equal(t, model.StatusPastDue, ws.Status)
	assert.Equal(t, 5, ws.Seats)
	assert.Equal(t, "starter", ws.Plan)

	records := h.transitions(t, "ws_1")
	require.Len(t, records, 2)
	assert.Equal(t, model.ActionStatusChanged, records[0].Action)
	assert.Equal(t, "in_evt_failed", records[0].Metadata["invoice_id"])
}

func TestPaymentSucceededRecoversAndResetsCredits(t *testing.T) {
	h := newHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))
	h.process(t, invoiceEvent(t, "evt_failed", model.EventInvoicePaymentFailed, 2000, "sub_1", periodStart, periodEnd, "subscription_cycle"))

	nextStart, nextEnd := periodEnd, periodEnd.AddDate(0, 1, 0)
	outcome := h.process(t, invoiceEvent(t, "evt_paid", model.EventInvoicePaymentSucceeded, 3000, "sub_1", nextStart, nextEnd, "subscription_cycle"))
	assert.Equal(t, model.OutcomeApplied, outcome)

	ws := h.workspace(t, "ws_1")
	assert.Equal(t, model.StatusActive, ws.Status)
	assert.Equal(t, int64(1000), ws.AICredits)
	require.NotNil(t, ws.AICreditsResetAt)
	assert.True(t, ws.AICreditsResetAt.Equal(nextStart))
	assert.True(t, ws.CurrentPeriodStart.Equal(nextStart))
	assert.True(t, ws.CurrentPeriodEnd.Equal(nextEnd))
	assert.Equal(t, model.ActionReactivated, h.transitions(t, "ws_1")[0].Action)

	// invoice.paid for the same invoice renews without a second reset
	ws.AICredits = 10
	require.NoError(t, h.store.UpdateWorkspace(context.Background(), ws, ws.Version))
	h.process(t, invoiceEvent(t, "evt_paid_again", model.EventInvoicePaid, 3001, "sub_1", nextStart, nextEnd, "subscription_cycle"))

	ws = h.workspace(t, "ws_1")
	assert.Equal(t, int64(10), ws.AICredits)
	latest := h.transitions(t, "ws_1")[0]
	assert.Equal(t, model.ActionRenewed, latest.Action)
	assert.Equal(t, "false", latest.Metadata["ai_credits_reset"])
}

func TestSubscriptionCreatedBeforeCheckoutCompletion(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateWorkspace(context.Background(), model.NewWorkspace("ws_1", "user_1")))
	sub := activeSub("sub_1", "ws_1", 4)

	assert.Equal(t, model.OutcomeApplied, h.process(t, subscriptionEvent(t, "evt_created", model.EventSubscriptionCreated, 900, sub)))
	assert.Equal(t, model.OutcomeSkippedDuplicate, h.process(t, checkoutEvent(t, "evt_checkout", 1000, "ws_1", "user_1", sub)))

	ws := h.workspace(t, "ws_1")
	assert.Equal(t, "sub_1", ws.ExternalSubscriptionID)
	assert.Equal(t, 4, ws.Seats)
	require.Len(t, h.transitions(t, "ws_1"), 1)
	assert.Equal(t, model.ActionCreated, h.transitions(t, "ws_1")[0].Action)
}

func TestEventsForUnknownSubscriptionsAreClaimed(t *testing.T) {
	h := newHarness(t)

	stray := activeSub("sub_stray", "", 2)
	assert.Equal(t, model.OutcomeSkippedSuperseded,
		h.process(t, subscriptionEvent(t, "evt_stray", model.EventSubscriptionUpdated, 1000, stray)))
	assert.Equal(t, model.OutcomeSkippedSuperseded,
		h.process(t, invoiceEvent(t, "evt_stray_invoice", model.EventInvoicePaid, 1000, "sub_stray", periodStart, periodEnd, "")))

	_, err := h.store.GetProcessedEvent(context.Background(), "evt_stray")
	assert.NoError(t, err)
}

func TestSecondLiveSubscriptionIsRecordedNotBound(t *testing.T) {
	h := newHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))

	second := activeSub("sub_2", "ws_1", 3)
	outcome := h.process(t, checkoutEvent(t, "evt_second", 2000, "ws_1", "user_1", second))
	assert.Equal(t, model.OutcomeSkippedSuperseded, outcome)
	assert.Equal(t, "sub_1", h.workspace(t, "ws_1").ExternalSubscriptionID)

	subs, err := h.store.ListSubscriptionsByOwner(context.Background(), "user_1")
	require.NoError(t, err)
	require.Len(t, subs, 2)
}

func TestSeatOvercommitIsFlaggedNotBlocked(t *testing.T) {
	h := newHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))
	h.seats.Set("ws_1", 6)

	outcome := h.process(t, subscriptionEvent(t, "evt_shrink", model.EventSubscriptionUpdated, 2000, activeSub("sub_1", "ws_1", 4)))
	assert.Equal(t, model.OutcomeApplied, outcome)
	assert.Equal(t, 4, h.workspace(t, "ws_1").Seats)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SeatOvercommit))
}

func TestPlanChangeIsClassified(t *testing.T) {
	h := newHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))

	upgraded := activeSub("sub_1", "ws_1", 5)
	upgraded.PriceID = "price_pro_y"
	upgraded.Interval = "year"
	h.process(t, subscriptionEvent(t, "evt_upgrade", model.EventSubscriptionUpdated, 2000, upgraded))

	ws := h.workspace(t, "ws_1")
	assert.Equal(t, "pro", ws.Plan)
	assert.Equal(t, model.IntervalAnnual, ws.BillingInterval)
	assert.Equal(t, model.ActionUpgraded, h.transitions(t, "ws_1")[0].Action)
}

func TestHandleDropsMalformedEvents(t *testing.T) {
	h := newHarness(t)
	env := envelopeFor(t, "evt_bad", model.EventSubscriptionUpdated, 1000, "", map[string]string{"object": "subscription"})

	require.NoError(t, h.rec.Handle(context.Background(), env))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.EventsProcessed.WithLabelValues(string(model.EventSubscriptionUpdated), "invalid")))

	_, err := h.store.GetProcessedEvent(context.Background(), "evt_bad")
	assert.ErrorIs(t, err, model.ErrProcessedEventNotFound)
}

func TestHandleRequestsRedeliveryBeforeClaim(t *testing.T) {
	h := newHarness(t)
	env := checkoutEvent(t, "evt_nowhere", 1000, "ws_missing", "", activeSub("sub_1", "ws_missing", 1))

	err := h.rec.Handle(context.Background(), env)
	assert.ErrorIs(t, err, model.ErrWorkspaceNotFound)

	_, err = h.store.GetProcessedEvent(context.Background(), "evt_nowhere")
	assert.ErrorIs(t, err, model.ErrProcessedEventNotFound)
}

// conflictingStore reports a concurrent writer for the first n updates
type conflictingStore struct {
	*memory.LedgerStore
	mu sync.Mutex
	n  int
}

func (s *conflictingStore) UpdateWorkspace(ctx context.Context, ws *model.Workspace, expectedVersion int64) error {
	if s.conflict() {
		return model.ErrVersionConflict
	}
	return s.LedgerStore.UpdateWorkspace(ctx, ws, expectedVersion)
}

func (s *conflictingStore) UpdateWorkspaceWithTransition(ctx context.Context, ws *model.Workspace, expectedVersion int64, record *model.TransitionRecord) error {
	if s.conflict() {
		return model.ErrVersionConflict
	}
	return s.LedgerStore.UpdateWorkspaceWithTransition(ctx, ws, expectedVersion, record)
}

func (s *conflictingStore) conflict() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n > 0 {
		s.n--
		return true
	}
	return false
}

func (s *conflictingStore) conflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = n
}

func newConflictingHarness(t *testing.T) (*harness, *conflictingStore) {
	h := newHarness(t)
	store := &conflictingStore{LedgerStore: h.store}
	h.rec = NewReconciler(store, h.seats, h.gateway, stripeadapter.NewDecoder(), h.catalog, lock.NewLocalLocker(), h.opts...)
	return h, store
}

func TestWriteConflictsAreRetried(t *testing.T) {
	h, store := newConflictingHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))

	store.conflicts(maxWriteAttempts - 1)
	outcome := h.process(t, subscriptionEvent(t, "evt_contended", model.EventSubscriptionUpdated, 2000, activeSub("sub_1", "ws_1", 6)))
	assert.Equal(t, model.OutcomeApplied, outcome)
	assert.Equal(t, 6, h.workspace(t, "ws_1").Seats)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.ReconcileConflicts))
}

func TestExhaustedConflictsAreLeftForTheSweep(t *testing.T) {
	h, store := newConflictingHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))

	store.conflicts(maxWriteAttempts)
	env := subscriptionEvent(t, "evt_lost", model.EventSubscriptionUpdated, 2000, activeSub("sub_1", "ws_1", 6))

	_, err := h.rec.Process(context.Background(), env)
	var conflict *model.ReconciliationConflictError
	require.True(t, errors.As(err, &conflict))
	assert.ErrorIs(t, err, errAfterClaim)
	assert.Equal(t, maxWriteAttempts, conflict.Attempts)

	// the claim stands, so redelivery is a duplicate and Handle does not ask for one
	require.NoError(t, h.rec.Handle(context.Background(), env))
	assert.Equal(t, 5, h.workspace(t, "ws_1").Seats)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ReconcileConflicts))
}

func TestHandleSwallowsFailuresAfterClaim(t *testing.T) {
	h, store := newConflictingHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))

	store.conflicts(maxWriteAttempts)
	env := subscriptionEvent(t, "evt_lost", model.EventSubscriptionUpdated, 2000, activeSub("sub_1", "ws_1", 6))

	require.NoError(t, h.rec.Handle(context.Background(), env))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ReconciliationFailures.WithLabelValues(string(model.EventSubscriptionUpdated))))
}

// brokenAuditStore fails every write that carries a transition record
type brokenAuditStore struct {
	*memory.LedgerStore
}

var errAuditDown = errors.New("transitions table unavailable")

func (s *brokenAuditStore) UpdateWorkspaceWithTransition(ctx context.Context, ws *model.Workspace, expectedVersion int64, record *model.TransitionRecord) error {
	return errAuditDown
}

func TestWorkspaceIsNotWrittenWithoutItsTransition(t *testing.T) {
	h := newHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))
	h.rec = NewReconciler(&brokenAuditStore{LedgerStore: h.store}, h.seats, h.gateway, stripeadapter.NewDecoder(), h.catalog, lock.NewLocalLocker(), h.opts...)

	env := subscriptionEvent(t, "evt_seats", model.EventSubscriptionUpdated, 2000, activeSub("sub_1", "ws_1", 8))
	_, err := h.rec.Process(context.Background(), env)
	assert.ErrorIs(t, err, errAfterClaim)
	assert.ErrorIs(t, err, errAuditDown)

	ws := h.workspace(t, "ws_1")
	assert.Equal(t, 5, ws.Seats)
	assert.Equal(t, int64(1000), ws.LastEventMarker)
	assert.Len(t, h.transitions(t, "ws_1"), 1)
}
