package rules

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
)

var (
	starter = model.Plan{Slug: "starter", Rank: 1, MonthlyPriceID: "price_starter_m", AnnualPriceID: "price_starter_y"}
	team    = model.Plan{Slug: "team", Rank: 2, MonthlyPriceID: "price_team_m", AnnualPriceID: "price_team_y"}
)

func TestComputeProrationAnnualToMonthly(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	periodEnd := now.AddDate(0, 6, 0)

	_, err := ComputeProration(model.IntervalAnnual, periodEnd, model.IntervalMonthly, team, now)
	require.ErrorIs(t, err, model.ErrIllegalBillingTransition)

	var illegal *model.IllegalBillingTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Contains(t, illegal.Explanation, "September 1, 2026")

	change, err := ComputeProration(model.IntervalAnnual, periodEnd, model.IntervalMonthly, team, periodEnd.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "price_team_m", change.PriceID)
	assert.True(t, change.IntervalChanged)
}

func TestComputeProrationApproves(t *testing.T) {
	now := time.Now()
	periodEnd := now.Add(24 * time.Hour)

	tests := []struct {
		name      string
		current   model.BillingInterval
		requested model.BillingInterval
		plan      model.Plan
		price     string
	}{
		{"monthly to annual", model.IntervalMonthly, model.IntervalAnnual, team, "price_team_y"},
		{"annual tier change", model.IntervalAnnual, model.IntervalAnnual, starter, "price_starter_y"},
		{"monthly tier change", model.IntervalMonthly, model.IntervalMonthly, team, "price_team_m"},
		{"first checkout", "", model.IntervalMonthly, starter, "price_starter_m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change, err := ComputeProration(tt.current, periodEnd, tt.requested, tt.plan, now)
			require.NoError(t, err)
			assert.Equal(t, tt.price, change.PriceID)
			assert.Equal(t, ProrationCreate, change.ProrationBehavior)
		})
	}
}

func TestComputeProrationUnknownPrice(t *testing.T) {
	noAnnual := model.Plan{Slug: "legacy", MonthlyPriceID: "price_legacy_m"}
	_, err := ComputeProration(model.IntervalMonthly, time.Time{}, model.IntervalAnnual, noAnnual, time.Now())
	assert.ErrorIs(t, err, model.ErrUnknownPlan)
}

func TestAnnualToMonthlyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("annual to monthly is rejected exactly while the period is running", prop.ForAll(
		func(offsetHours int) bool {
			periodEnd := now.Add(time.Duration(offsetHours) * time.Hour)
			_, err := ComputeProration(model.IntervalAnnual, periodEnd, model.IntervalMonthly, team, now)
			if offsetHours > 0 {
				return err != nil
			}
			return err == nil
		},
		gen.IntRange(-24*400, 24*400),
	))

	properties.TestingRun(t)
}

func TestComputeSeatsForQuantityChange(t *testing.T) {
	_, err := ComputeSeatsForQuantityChange(5, 4, 5)
	require.ErrorIs(t, err, model.ErrSeatsBelowActiveUsage)
	var below *model.SeatsBelowActiveUsageError
	require.ErrorAs(t, err, &below)
	assert.Equal(t, 5, below.ActiveSeatHolders)

	change, err := ComputeSeatsForQuantityChange(5, 6, 5)
	require.NoError(t, err)
	assert.Equal(t, SeatsIncrease, change.Direction)
	assert.Equal(t, 1, change.Delta())

	change, err = ComputeSeatsForQuantityChange(5, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, SeatsDecrease, change.Direction)

	change, err = ComputeSeatsForQuantityChange(5, 5, 9)
	require.NoError(t, err)
	assert.Equal(t, SeatsUnchanged, change.Direction)

	_, err = ComputeSeatsForQuantityChange(5, 0, 0)
	assert.ErrorIs(t, err, model.ErrInvalidSeatCount)
}

func TestResolveMultipleActiveSubscriptions(t *testing.T) {
	sub := func(id string, status model.SubscriptionStatus) model.Subscription {
		return model.Subscription{OwnerID: "user-1", ExternalSubscriptionID: id, Status: status}
	}

	_, err := ResolveMultipleActiveSubscriptions([]model.Subscription{sub("sub_old", model.StatusCanceled)})
	assert.ErrorIs(t, err, model.ErrNoActiveSubscription)

	got, err := ResolveMultipleActiveSubscriptions([]model.Subscription{
		sub("sub_old", model.StatusCanceled),
		sub("sub_new", model.StatusActive),
	})
	require.NoError(t, err)
	assert.Equal(t, "sub_new", got.ExternalSubscriptionID)

	_, err = ResolveMultipleActiveSubscriptions([]model.Subscription{
		sub("sub_a", model.StatusActive),
		sub("sub_b", model.StatusActive),
		sub("sub_c", model.StatusCanceled),
	})
	require.ErrorIs(t, err, model.ErrMultipleActiveSubscriptions)
	var multi *model.MultipleActiveSubscriptionsError
	require.ErrorAs(t, err, &multi)
	assert.Len(t, multi.Candidates, 2)
	assert.Equal(t, "user-1", multi.OwnerID)
	assert.NotEmpty(t, multi.Remediation)
}

func TestClassifyPlanChange(t *testing.T) {
	tests := []struct {
		name       string
		prev, next model.Plan
		prevSeats  int
		nextSeats  int
		want       model.TransitionAction
		ok         bool
	}{
		{"first plan", model.Plan{}, starter, 0, 3, model.ActionCreated, true},
		{"upgrade", starter, team, 3, 3, model.ActionUpgraded, true},
		{"downgrade", team, starter, 3, 3, model.ActionDowngraded, true},
		{"seats only", team, team, 3, 5, model.ActionSeatsChanged, true},
		{"nothing", team, team, 3, 3, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ClassifyPlanChange(tt.prev, tt.next, tt.prevSeats, tt.nextSeats)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsNewBillingPeriod(t *testing.T) {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, IsNewBillingPeriod(start, start.AddDate(0, 1, 0), ""))
	assert.False(t, IsNewBillingPeriod(start, start, "subscription_update"))
	assert.True(t, IsNewBillingPeriod(start, start, "subscription_cycle"))
	assert.False(t, IsNewBillingPeriod(start, time.Time{}, ""))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(model.StatusNone, model.StatusTrialing))
	assert.True(t, CanTransition(model.StatusActive, model.StatusPastDue))
	assert.True(t, CanTransition(model.StatusPastDue, model.StatusActive))
	assert.True(t, CanTransition(model.StatusActive, model.StatusCanceled))
	assert.True(t, CanTransition(model.StatusCanceled, model.StatusCanceled))
	assert.False(t, CanTransition(model.StatusCanceled, model.StatusActive))
	assert.False(t, CanTransition(model.StatusNone, model.StatusPastDue))
}
