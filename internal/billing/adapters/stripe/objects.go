// Package stripe adapts the Stripe API and webhooks to the billing domain
package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
)

// expandable decodes a Stripe field that is either an id string or an
// expanded object carrying an id
type expandable struct {
	ID  string
	Raw json.RawMessage
}

func (e *expandable) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &e.ID)
	}

	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (e expandable) expanded() bool {
	return len(e.Raw) > 0
}

type subscriptionObject struct {
	ID                string            `json:"id"`
	Customer          expandable        `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CanceledAt        int64             `json:"canceled_at"`
	TrialStart        int64             `json:"trial_start"`
	TrialEnd          int64             `json:"trial_end"`
	Metadata          map[string]string `json:"metadata"`
	Created           int64             `json:"created"`
	// Older API versions carry the period on the subscription
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Items              struct {
		Data []subscriptionItemObject `json:"data"`
	} `json:"items"`
}

type subscriptionItemObject struct {
	ID       string `json:"id"`
	Quantity int64  `json:"quantity"`
	Price    struct {
		ID        string `json:"id"`
		Recurring *struct {
			Interval string `json:"interval"`
		} `json:"recurring"`
	} `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

type invoiceObject struct {
	ID            string     `json:"id"`
	Customer      expandable `json:"customer"`
	Subscription  expandable `json:"subscription"`
	BillingReason string     `json:"billing_reason"`
	PeriodStart   int64      `json:"period_start"`
	PeriodEnd     int64      `json:"period_end"`
	AmountPaid    int64      `json:"amount_paid"`
	AmountDue     int64      `json:"amount_due"`
	Currency      string     `json:"currency"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (o *invoiceObject) subscriptionID() string {
	if o.Subscription.ID != "" {
		return o.Subscription.ID
	}
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil {
		return o.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          expandable        `json:"customer"`
	Subscription      expandable        `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
}

// Decoder turns raw event objects into domain snapshots
type Decoder struct{}

// NewDecoder creates a Decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Subscription decodes a subscription object
func (Decoder) Subscription(raw json.RawMessage) (*model.SubscriptionSnapshot, error) {
	var obj subscriptionObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %v", model.ErrInvalidEvent, err)
	}
	if obj.ID == "" {
		return nil, fmt.Errorf("%w: subscription without id", model.ErrInvalidEvent)
	}
	return obj.snapshot(), nil
}

func (o *subscriptionObject) snapshot() *model.SubscriptionSnapshot {
	snap := &model.SubscriptionSnapshot{
		ID:                 o.ID,
		CustomerID:         o.Customer.ID,
		Status:             o.Status,
		CancelAtPeriodEnd:  o.CancelAtPeriodEnd,
		CanceledAt:         unixPtr(o.CanceledAt),
		TrialStart:         unixPtr(o.TrialStart),
		TrialEnd:           unixPtr(o.TrialEnd),
		Metadata:           o.Metadata,
		Created:            unixTime(o.Created),
		CurrentPeriodStart: unixTime(o.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(o.CurrentPeriodEnd),
	}

	// Seat pricing uses a single licensed item
	if len(o.Items.Data) > 0 {
		item := o.Items.Data[0]
		snap.ItemID = item.ID
		snap.Quantity = int(item.Quantity)
		snap.PriceID = item.Price.ID
		if item.Price.Recurring != nil {
			snap.Interval = item.Price.Recurring.Interval
		}
		if item.CurrentPeriodEnd != 0 {
			snap.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
			snap.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		}
	}
	return snap
}

// Invoice decodes an invoice object
func (Decoder) Invoice(raw json.RawMessage) (*model.InvoiceSnapshot, error) {
	var obj invoiceObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: decode invoice: %v", model.ErrInvalidEvent, err)
	}
	if obj.ID == "" {
		return nil, fmt.Errorf("%w: invoice without id", model.ErrInvalidEvent)
	}

	snap := &model.InvoiceSnapshot{
		ID:             obj.ID,
		SubscriptionID: obj.subscriptionID(),
		CustomerID:     obj.Customer.ID,
		BillingReason:  obj.BillingReason,
		PeriodStart:    unixTime(obj.PeriodStart),
		PeriodEnd:      unixTime(obj.PeriodEnd),
		AmountPaid:     obj.AmountPaid,
		AmountDue:      obj.AmountDue,
		Currency:       obj.Currency,
	}
	// The invoice-level period is the previous period for cycle invoices;
	// the line period is the one being paid for
	if len(obj.Lines.Data) > 0 && obj.Lines.Data[0].Period.Start != 0 {
		snap.PeriodStart = unixTime(obj.Lines.Data[0].Period.Start)
		snap.PeriodEnd = unixTime(obj.Lines.Data[0].Period.End)
	}
	return snap, nil
}

// CheckoutSession decodes a checkout session object
func (d Decoder) CheckoutSession(raw json.RawMessage) (*model.CheckoutSnapshot, error) {
	var obj checkoutSessionObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: decode checkout session: %v", model.ErrInvalidEvent, err)
	}
	if obj.ID == "" {
		return nil, fmt.Errorf("%w: checkout session without id", model.ErrInvalidEvent)
	}

	snap := &model.CheckoutSnapshot{
		ID:                obj.ID,
		Mode:              obj.Mode,
		ClientReferenceID: obj.ClientReferenceID,
		CustomerID:        obj.Customer.ID,
		SubscriptionID:    obj.Subscription.ID,
		Metadata:          obj.Metadata,
		AmountTotal:       obj.AmountTotal,
		Currency:          obj.Currency,
	}
	if obj.Subscription.expanded() {
		sub, err := d.Subscription(obj.Subscription.Raw)
		if err != nil {
			return nil, err
		}
		snap.Subscription = sub
	}
	return snap, nil
}

// routingKey extracts the subscription id an event concerns
func routingKey(eventType model.EventType, raw json.RawMessage) string {
	switch eventType {
	case model.EventSubscriptionCreated, model.EventSubscriptionUpdated, model.EventSubscriptionDeleted:
		var obj struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(raw, &obj) == nil {
			return obj.ID
		}
	case model.EventInvoicePaymentFailed, model.EventInvoicePaymentSucceeded, model.EventInvoicePaid:
		var obj invoiceObject
		if json.Unmarshal(raw, &obj) == nil {
			return obj.subscriptionID()
		}
	case model.EventCheckoutSessionCompleted:
		var obj checkoutSessionObject
		if json.Unmarshal(raw, &obj) == nil {
			return obj.Subscription.ID
		}
	}
	return ""
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
