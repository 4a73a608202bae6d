package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/subledger/internal/billing/adapters/lock"
	"github.com/linkflow-ai/subledger/internal/billing/adapters/repository/memory"
	stripeadapter "github.com/linkflow-ai/subledger/internal/billing/adapters/stripe"
	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/platform/metrics"
)

var (
	testNow         = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	periodStart     = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd       = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	annualPeriodEnd = time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
)

func testCatalog(t *testing.T) *model.Catalog {
	t.Helper()
	catalog, err := model.NewCatalog([]model.Plan{
		{Slug: "starter", Name: "Starter", Rank: 1, MonthlyPriceID: "price_starter_m", AnnualPriceID: "price_starter_y", AICreditsMonthly: 1000},
		{Slug: "pro", Name: "Pro", Rank: 2, MonthlyPriceID: "price_pro_m", AnnualPriceID: "price_pro_y", AICreditsMonthly: 5000},
	})
	require.NoError(t, err)
	return catalog
}

// fakeGateway is an in-memory processor
type fakeGateway struct {
	mu         sync.Mutex
	subs       map[string]*model.SubscriptionSnapshot
	checkouts  []model.CheckoutSessionRequest
	quantities []quantityCall
	// failures are returned, in order, before calls start succeeding
	failures []error
	calls    int
}

type quantityCall struct {
	ItemID         string
	Quantity       int
	Proration      string
	IdempotencyKey string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{subs: make(map[string]*model.SubscriptionSnapshot)}
}

func (g *fakeGateway) put(snap *model.SubscriptionSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *snap
	g.subs[snap.ID] = &cp
}

func (g *fakeGateway) fail(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, errs...)
}

func (g *fakeGateway) nextFailure() error {
	g.calls++
	if len(g.failures) == 0 {
		return nil
	}
	err := g.failures[0]
	g.failures = g.failures[1:]
	return err
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, req model.CheckoutSessionRequest) (*model.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.nextFailure(); err != nil {
		return nil, err
	}
	g.checkouts = append(g.checkouts, req)
	return &model.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
}

func (g *fakeGateway) GetSubscription(ctx context.Context, subscriptionID string) (*model.SubscriptionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.nextFailure(); err != nil {
		return nil, err
	}
	snap, ok := g.subs[subscriptionID]
	if !ok {
		return nil, model.ErrSubscriptionNotFound
	}
	cp := *snap
	return &cp, nil
}

func (g *fakeGateway) ListCustomerSubscriptions(ctx context.Context, customerID string) ([]*model.SubscriptionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.nextFailure(); err != nil {
		return nil, err
	}
	var out []*model.SubscriptionSnapshot
	for _, snap := range g.subs {
		if snap.CustomerID == customerID {
			cp := *snap
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (g *fakeGateway) UpdateSubscriptionQuantity(ctx context.Context, itemID string, quantity int, proration, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.nextFailure(); err != nil {
		return err
	}
	g.quantities = append(g.quantities, quantityCall{ItemID: itemID, Quantity: quantity, Proration: proration, IdempotencyKey: key})
	return nil
}

type harness struct {
	store   *memory.LedgerStore
	seats   *memory.SeatCounter
	gateway *fakeGateway
	metrics *metrics.Metrics
	catalog *model.Catalog
	rec     *Reconciler
	opts    []Option
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   memory.NewLedgerStore(),
		seats:   memory.NewSeatCounter(),
		gateway: newFakeGateway(),
		metrics: metrics.NewMetrics("test", prometheus.NewRegistry()),
		catalog: testCatalog(t),
	}
	h.opts = []Option{
		WithMetrics(h.metrics),
		WithClock(func() time.Time { return testNow }),
		WithGatewayRetryDelay(time.Millisecond),
	}
	h.rec = NewReconciler(h.store, h.seats, h.gateway, stripeadapter.NewDecoder(), h.catalog, lock.NewLocalLocker(), h.opts...)
	return h
}

func (h *harness) workspace(t *testing.T, id string) *model.Workspace {
	t.Helper()
	ws, err := h.store.GetWorkspace(context.Background(), id)
	require.NoError(t, err)
	return ws
}

func (h *harness) transitions(t *testing.T, workspaceID string) []*model.TransitionRecord {
	t.Helper()
	records, err := h.store.ListTransitions(context.Background(), workspaceID, 100)
	require.NoError(t, err)
	return records
}

func (h *harness) process(t *testing.T, env *model.Envelope) model.Outcome {
	t.Helper()
	outcome, err := h.rec.Process(context.Background(), env)
	require.NoError(t, err)
	return outcome
}

// subFixture describes a Stripe subscription object
type subFixture struct {
	ID          string
	Customer    string
	Status      string
	ItemID      string
	PriceID     string
	Interval    string
	Quantity    int
	Start       time.Time
	End         time.Time
	CancelAtEnd bool
	CanceledAt  int64
	WorkspaceID string
}

func activeSub(id, workspaceID string, seats int) subFixture {
	return subFixture{
		ID:          id,
		Customer:    "cus_1",
		Status:      "active",
		ItemID:      "si_" + id,
		PriceID:     "price_starter_m",
		Interval:    "month",
		Quantity:    seats,
		Start:       periodStart,
		End:         periodEnd,
		WorkspaceID: workspaceID,
	}
}

func (f subFixture) object() map[string]interface{} {
	obj := map[string]interface{}{
		"id":                   f.ID,
		"object":               "subscription",
		"customer":             f.Customer,
		"status":               f.Status,
		"cancel_at_period_end": f.CancelAtEnd,
		"canceled_at":          f.CanceledAt,
		"metadata":             map[string]string{},
		"items": map[string]interface{}{
			"data": []map[string]interface{}{{
				"id":                   f.ItemID,
				"quantity":             f.Quantity,
				"current_period_start": f.Start.Unix(),
				"current_period_end":   f.End.Unix(),
				"price": map[string]interface{}{
					"id":        f.PriceID,
					"recurring": map[string]string{"interval": f.Interval},
				},
			}},
		},
	}
	if f.WorkspaceID != "" {
		obj["metadata"] = map[string]string{model.MetadataWorkspaceID: f.WorkspaceID}
	}
	return obj
}

func (f subFixture) snapshot(t *testing.T) *model.SubscriptionSnapshot {
	t.Helper()
	raw, err := json.Marshal(f.object())
	require.NoError(t, err)
	snap, err := stripeadapter.NewDecoder().Subscription(raw)
	require.NoError(t, err)
	return snap
}

func envelopeFor(t *testing.T, id string, eventType model.EventType, marker int64, key string, object interface{}) *model.Envelope {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return &model.Envelope{
		EventID:    id,
		Type:       eventType,
		Marker:     marker,
		RoutingKey: key,
		Payload:    raw,
		ReceivedAt: testNow,
	}
}

func subscriptionEvent(t *testing.T, id string, eventType model.EventType, marker int64, f subFixture) *model.Envelope {
	return envelopeFor(t, id, eventType, marker, f.ID, f.object())
}

func checkoutEvent(t *testing.T, id string, marker int64, workspaceID, ownerID string, f subFixture) *model.Envelope {
	return envelopeFor(t, id, model.EventCheckoutSessionCompleted, marker, f.ID, map[string]interface{}{
		"id":                  "cs_" + id,
		"object":              "checkout.session",
		"mode":                "subscription",
		"client_reference_id": workspaceID,
		"customer":            f.Customer,
		"subscription":        f.object(),
		"amount_total":        2500,
		"currency":            "usd",
		"metadata": map[string]string{
			model.MetadataWorkspaceID: workspaceID,
			model.MetadataOwnerID:     ownerID,
		},
	})
}

func invoiceEvent(t *testing.T, id string, eventType model.EventType, marker int64, subscriptionID string, start, end time.Time, reason string) *model.Envelope {
	return envelopeFor(t, id, eventType, marker, subscriptionID, map[string]interface{}{
		"id":             "in_" + id,
		"object":         "invoice",
		"customer":       "cus_1",
		"subscription":   subscriptionID,
		"billing_reason": reason,
		"amount_paid":    2500,
		"amount_due":     2500,
		"currency":       "usd",
		"lines": map[string]interface{}{
			"data": []map[string]interface{}{{
				"period": map[string]int64{"start": start.Unix(), "end": end.Unix()},
			}},
		},
	})
}

// bindWorkspace runs a checkout for sub through the reconciler
func (h *harness) bindWorkspace(t *testing.T, workspaceID string, sub subFixture) {
	t.Helper()
	outcome := h.process(t, checkoutEvent(t, "evt_checkout_"+workspaceID, 1000, workspaceID, "user_1", sub))
	require.Equal(t, model.OutcomeApplied, outcome)
	h.gateway.put(sub.snapshot(t))
}
