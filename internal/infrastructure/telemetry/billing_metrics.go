package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ErrMeterNil is returned when a metrics recorder is built without a meter.
var ErrMeterNil = errors.New("telemetry: meter cannot be nil")

// BillingMetrics records line-item, usage-report and reconciliation outcomes.
type BillingMetrics struct {
	lineItemsAttached *Counter
	lineItemsDetached *Counter
	usageReported     *Counter
	overageMinutes    *Counter
	failures          *Counter
	pricesCreated     *Counter
	tenantsProcessed  *Counter
	runDuration       *Histogram
	providerLatency   *Histogram
}

// NewBillingMetrics registers the billing instruments on meter.
func NewBillingMetrics(meter metric.Meter) (*BillingMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}

	bm := &BillingMetrics{}
	counters := []struct {
		dst         **Counter
		name        string
		description string
		unit        string
	}{
		{&bm.lineItemsAttached, "billing_line_items_attached_total", "Metered line items attached to remote subscriptions", "{items}"},
		{&bm.lineItemsDetached, "billing_line_items_detached_total", "Metered line items removed from remote subscriptions", "{items}"},
		{&bm.usageReported, "billing_usage_reported_total", "Successful overage usage reports", "{reports}"},
		{&bm.overageMinutes, "billing_overage_minutes_reported_total", "Absolute overage minutes carried by usage reports", "min"},
		{&bm.failures, "billing_failures_total", "Failed billing operations by reason", "{failures}"},
		{&bm.pricesCreated, "billing_metered_prices_created_total", "Metered prices created on the provider", "{prices}"},
		{&bm.tenantsProcessed, "billing_reconciliation_tenants_total", "Tenants processed by batch reconciliation by outcome", "{tenants}"},
	}
	for _, c := range counters {
		counter, err := NewCounter(meter, c.name, c.description, c.unit)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	var err error
	bm.runDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "billing_reconciliation_run_duration_seconds",
		Description: "Duration of a batch reconciliation run",
		Unit:        "s",
		Boundaries:  RunDurationBuckets,
	})
	if err != nil {
		return nil, err
	}
	bm.providerLatency, err = NewHistogram(meter, HistogramOpts{
		Name:        "billing_provider_call_duration_seconds",
		Description: "Latency of billing provider calls",
		Unit:        "s",
		Boundaries:  ProviderCallBuckets,
	})
	if err != nil {
		return nil, err
	}
	return bm, nil
}

// NoopBillingMetrics returns recorders that discard every measurement.
func NoopBillingMetrics() *BillingMetrics {
	bm, err := NewBillingMetrics(noop.NewMeterProvider().Meter("noop"))
	if err != nil {
		panic(err)
	}
	return bm
}

// RecordAttached counts a line item attached, or adopted when adopted is true.
func (m *BillingMetrics) RecordAttached(ctx context.Context, planCode string, adopted bool) {
	m.lineItemsAttached.Inc(ctx, AttrPlanCode.String(planCode), attribute.Bool("adopted", adopted))
}

// RecordDetached counts a detach; alreadyAbsent marks a no-op detach.
func (m *BillingMetrics) RecordDetached(ctx context.Context, alreadyAbsent bool) {
	m.lineItemsDetached.Inc(ctx, attribute.Bool("already_absent", alreadyAbsent))
}

// RecordUsageReported counts a successful report and its quantity.
func (m *BillingMetrics) RecordUsageReported(ctx context.Context, quantity int64) {
	m.usageReported.Inc(ctx)
	m.overageMinutes.Add(ctx, quantity)
}

// RecordFailure counts a failed operation by its classified reason.
func (m *BillingMetrics) RecordFailure(ctx context.Context, operation, reason string) {
	m.failures.Inc(ctx, AttrOperation.String(operation), AttrReason.String(reason))
}

// RecordPriceCreated counts a newly created metered price.
func (m *BillingMetrics) RecordPriceCreated(ctx context.Context, planCode string) {
	m.pricesCreated.Inc(ctx, AttrPlanCode.String(planCode))
}

// RecordTenantOutcome counts one tenant processed by the batch job.
func (m *BillingMetrics) RecordTenantOutcome(ctx context.Context, outcome string) {
	m.tenantsProcessed.Inc(ctx, AttrOutcome.String(outcome))
}

// RecordRunDuration records how long a batch run took.
func (m *BillingMetrics) RecordRunDuration(ctx context.Context, d time.Duration) {
	m.runDuration.RecordDuration(ctx, d)
}

// RecordProviderCall records the latency of one provider call.
func (m *BillingMetrics) RecordProviderCall(ctx context.Context, operation string, d time.Duration, err error) {
	m.providerLatency.RecordDuration(ctx, d, AttrOperation.String(operation), attribute.Bool("error", err != nil))
}
