package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/linkflow-ai/subledger/internal/billing/adapters/queue"
	stripeadapter "github.com/linkflow-ai/subledger/internal/billing/adapters/stripe"
	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/billing/domain/repository"
)

const webhookSecret = "whsec_ingress_test"

func signedDelivery(t *testing.T, payload string) ([]byte, string) {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    webhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

const updatedEvent = `{"id":"evt_in_1","object":"event","type":"customer.subscription.updated","created":1767225600,
	"data":{"object":{"id":"sub_1","object":"subscription","status":"active"}}}`

type recordingArchiver struct {
	got chan string
}

func (a *recordingArchiver) Archive(ctx context.Context, env *model.Envelope, body []byte) error {
	a.got <- env.EventID
	return nil
}

type brokenQueue struct {
	repository.EventQueue
}

func (brokenQueue) Enqueue(ctx context.Context, env *model.Envelope) error {
	return errors.New("redis: connection refused")
}

func newTestIngress(t *testing.T, secret string, q repository.EventQueue, archiver Archiver) (*Ingress, *harness) {
	t.Helper()
	h := newHarness(t)
	in, err := NewIngress(stripeadapter.NewVerifier(secret), q, archiver, 16, h.opts...)
	require.NoError(t, err)
	return in, h
}

func TestIngressEnqueuesVerifiedEvent(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{})
	archiver := &recordingArchiver{got: make(chan string, 1)}
	in, h := newTestIngress(t, webhookSecret, q, archiver)

	body, header := signedDelivery(t, updatedEvent)
	result, err := in.Receive(context.Background(), body, header)
	require.NoError(t, err)

	assert.True(t, result.Received)
	assert.True(t, result.Enqueued)
	assert.Equal(t, model.EventSubscriptionUpdated, result.Type)
	assert.Equal(t, 1, q.Len())

	select {
	case id := <-archiver.got:
		assert.Equal(t, "evt_in_1", id)
	case <-time.After(time.Second):
		t.Fatal("payload was not archived")
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.WebhooksReceived.WithLabelValues(string(model.EventSubscriptionUpdated), "200")))
}

func TestIngressAcknowledgesRedeliveryOnce(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{})
	in, _ := newTestIngress(t, webhookSecret, q, nil)

	for i := 0; i < 3; i++ {
		body, header := signedDelivery(t, updatedEvent)
		result, err := in.Receive(context.Background(), body, header)
		require.NoError(t, err)
		assert.True(t, result.Received)
	}
	assert.Equal(t, 1, q.Len())
}

func TestIngressRejectsBadSignature(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{})
	in, _ := newTestIngress(t, webhookSecret, q, nil)

	body, _ := signedDelivery(t, updatedEvent)
	_, err := in.Receive(context.Background(), body, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, model.ErrInvalidSignature)
	assert.True(t, IsRejection(err))

	_, err = in.Receive(context.Background(), body, "")
	assert.ErrorIs(t, err, model.ErrInvalidSignature)
	assert.Equal(t, 0, q.Len())
}

func TestIngressIgnoresUnhandledTypes(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{})
	in, _ := newTestIngress(t, webhookSecret, q, nil)

	body, header := signedDelivery(t, `{"id":"evt_cust","object":"event","type":"customer.created","created":1767225600,
		"data":{"object":{"id":"cus_1","object":"customer"}}}`)
	result, err := in.Receive(context.Background(), body, header)
	require.NoError(t, err)

	assert.True(t, result.Received)
	assert.False(t, result.Enqueued)
	assert.Equal(t, 0, q.Len())
}

func TestIngressWithoutSecretAcknowledgesAndDrops(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{})
	in, h := newTestIngress(t, "", q, nil)

	body, header := signedDelivery(t, updatedEvent)
	result, err := in.Receive(context.Background(), body, header)
	require.NoError(t, err)

	assert.True(t, result.Received)
	assert.False(t, result.Enqueued)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.WebhookSecretMissing))
}

func TestIngressQueueFailureAsksForRedelivery(t *testing.T) {
	in, h := newTestIngress(t, webhookSecret, brokenQueue{}, nil)

	body, header := signedDelivery(t, updatedEvent)
	_, err := in.Receive(context.Background(), body, header)
	require.Error(t, err)
	assert.False(t, IsRejection(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.EnqueueErrors.WithLabelValues("ingress")))

	// a failed hand-off is not remembered as enqueued
	q := queue.NewMemoryQueue(queue.Options{})
	in.queue = q
	_, err = in.Receive(context.Background(), body, header)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestIngressToWorkerEndToEnd(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{})
	in, h := newTestIngress(t, webhookSecret, q, nil)
	require.NoError(t, h.store.CreateWorkspace(context.Background(), model.NewWorkspace("ws_1", "user_1")))

	body, header := signedDelivery(t, `{"id":"evt_e2e","object":"event","type":"customer.subscription.created","created":1767225600,
		"data":{"object":{"id":"sub_1","object":"subscription","status":"trialing","customer":"cus_1",
		"metadata":{"workspace_id":"ws_1"},
		"items":{"data":[{"id":"si_1","quantity":3,"price":{"id":"price_pro_m","recurring":{"interval":"month"}},
		"current_period_start":1767225600,"current_period_end":1769904000}]}}}}`)
	_, err := in.Receive(context.Background(), body, header)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	require.NoError(t, q.Consume(context.Background(), h.rec.Handle))

	ws := h.workspace(t, "ws_1")
	assert.Equal(t, model.StatusTrialing, ws.Status)
	assert.Equal(t, "pro", ws.Plan)
	assert.Equal(t, 3, ws.Seats)
	assert.Equal(t, int64(1767225600), ws.LastEventMarker)
}
