package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/erp/overage-billing/internal/domain/shared"
	"github.com/erp/overage-billing/internal/infrastructure/lock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProvider is an in-memory billing provider with Stripe-like item semantics
type fakeProvider struct {
	mu            sync.Mutex
	subscriptions map[string]*billing.Subscription
	pricesByKey   map[string]*billing.Price
	reports       []billing.UsageReport
	calls         map[string]int
	nextID        int

	getErr         map[string]error
	updateErr      map[string]error
	createPriceErr error
	// createPriceGate holds CreateMeteredPrice until closed; createPriceStarted
	// receives one value per call that reached the gate
	createPriceGate    chan struct{}
	createPriceStarted chan struct{}
	// reportErrs is consumed one error per call, keyed by line item
	reportErrs map[string][]error
	onReport   func(report billing.UsageReport)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subscriptions: make(map[string]*billing.Subscription),
		pricesByKey:   make(map[string]*billing.Price),
		calls:         make(map[string]int),
		getErr:        make(map[string]error),
		updateErr:     make(map[string]error),
		reportErrs:    make(map[string][]error),
	}
}

func (p *fakeProvider) addSubscription(id string, priceIDs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := &billing.Subscription{ID: id, Status: "active"}
	for _, priceID := range priceIDs {
		p.nextID++
		sub.Items = append(sub.Items, billing.SubscriptionItem{ID: fmt.Sprintf("si_%d", p.nextID), PriceID: priceID})
	}
	p.subscriptions[id] = sub
}

func (p *fakeProvider) items(subscriptionID string) []billing.SubscriptionItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil
	}
	return append([]billing.SubscriptionItem(nil), sub.Items...)
}

func (p *fakeProvider) callCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *fakeProvider) reportsFor(lineItemID string) []billing.UsageReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []billing.UsageReport
	for _, r := range p.reports {
		if r.LineItemID == lineItemID {
			out = append(out, r)
		}
	}
	return out
}

func (p *fakeProvider) CreateMeteredPrice(ctx context.Context, req billing.MeteredPriceRequest) (*billing.Price, error) {
	if p.createPriceGate != nil {
		p.createPriceStarted <- struct{}{}
		select {
		case <-p.createPriceGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["create_price"]++
	if p.createPriceErr != nil {
		return nil, p.createPriceErr
	}
	if existing, ok := p.pricesByKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		cp := *existing
		return &cp, nil
	}
	p.nextID++
	created := &billing.Price{ID: fmt.Sprintf("price_%d", p.nextID), ProductID: req.ProductID}
	p.pricesByKey[req.IdempotencyKey] = created
	cp := *created
	return &cp, nil
}

func (p *fakeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["get_subscription"]++
	if err := p.getErr[subscriptionID]; err != nil {
		return nil, err
	}
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, billing.ErrRemoteSubscriptionNotFound)
	}
	return cloneSubscription(sub), nil
}

func (p *fakeProvider) UpdateSubscriptionItems(ctx context.Context, subscriptionID string, items []billing.ItemChange, proration billing.ProrationMode) (*billing.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["update_subscription"]++
	if err := p.updateErr[subscriptionID]; err != nil {
		return nil, err
	}
	if proration != billing.ProrationNone {
		return nil, fmt.Errorf("unexpected proration %q: %w", proration, billing.ErrProviderRejected)
	}
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, billing.ErrRemoteSubscriptionNotFound
	}

	current := make(map[string]billing.SubscriptionItem, len(sub.Items))
	for _, item := range sub.Items {
		current[item.ID] = item
	}
	var next []billing.SubscriptionItem
	for _, change := range items {
		switch {
		case change.ID != "" && change.Deleted:
			continue
		case change.ID != "":
			item, ok := current[change.ID]
			if !ok {
				return nil, fmt.Errorf("no such item %s: %w", change.ID, billing.ErrProviderRejected)
			}
			next = append(next, item)
		default:
			p.nextID++
			next = append(next, billing.SubscriptionItem{ID: fmt.Sprintf("si_%d", p.nextID), PriceID: change.PriceID})
		}
	}
	sub.Items = next
	return cloneSubscription(sub), nil
}

func (p *fakeProvider) ReportUsage(ctx context.Context, report billing.UsageReport) error {
	p.mu.Lock()
	p.calls["report_usage"]++
	if queue := p.reportErrs[report.LineItemID]; len(queue) > 0 {
		p.reportErrs[report.LineItemID] = queue[1:]
		p.mu.Unlock()
		return queue[0]
	}
	hook := p.onReport
	p.reports = append(p.reports, report)
	p.mu.Unlock()

	if hook != nil {
		hook(report)
	}
	return nil
}

func cloneSubscription(sub *billing.Subscription) *billing.Subscription {
	cp := *sub
	cp.Items = append([]billing.SubscriptionItem(nil), sub.Items...)
	return &cp
}

// memAccountRepo stores snapshots and enforces the version check
type memAccountRepo struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]billing.AccountSnapshot
	updateErr error
	listErr   error
	updates   int
}

func newMemAccountRepo() *memAccountRepo {
	return &memAccountRepo{rows: make(map[uuid.UUID]billing.AccountSnapshot)}
}

func (r *memAccountRepo) FindByTenant(ctx context.Context, tenantID uuid.UUID) (*billing.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[tenantID]
	if !ok {
		return nil, billing.ErrAccountNotFound
	}
	return billing.RestoreAccount(s), nil
}

func (r *memAccountRepo) Create(ctx context.Context, account *billing.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[account.TenantID]; ok {
		return shared.ErrAlreadyExists
	}
	r.rows[account.TenantID] = account.Snapshot()
	return nil
}

func (r *memAccountRepo) Update(ctx context.Context, account *billing.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	current, ok := r.rows[account.TenantID]
	if !ok {
		return billing.ErrAccountNotFound
	}
	if current.Version != account.Version {
		return shared.ErrConcurrencyConflict
	}
	snapshot := account.Snapshot()
	snapshot.Version++
	r.rows[account.TenantID] = snapshot
	r.updates++
	account.IncrementVersion()
	return nil
}

func (r *memAccountRepo) FindOverageBillable(ctx context.Context) ([]*billing.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []*billing.Account
	for _, s := range r.rows {
		if s.OverageEnabled && s.LineItemID != "" && s.Status != billing.AccountStatusCanceled {
			out = append(out, billing.RestoreAccount(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID.String() < out[j].TenantID.String() })
	return out, nil
}

// memPlanRepo stores plans by code
type memPlanRepo struct {
	mu     sync.Mutex
	rows   map[string]billing.Plan
	writes int
}

func newMemPlanRepo() *memPlanRepo {
	return &memPlanRepo{rows: make(map[string]billing.Plan)}
}

func (r *memPlanRepo) put(plan *billing.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[plan.Code] = *plan
}

func (r *memPlanRepo) FindByCode(ctx context.Context, code string) (*billing.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.rows[code]
	if !ok {
		return nil, billing.ErrPlanNotFound
	}
	return &plan, nil
}

func (r *memPlanRepo) SetMeteredPriceIDIfAbsent(ctx context.Context, code, priceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.rows[code]
	if !ok {
		return false, billing.ErrPlanNotFound
	}
	if _, cached := plan.MeteredPriceID(); cached {
		return false, nil
	}
	if err := plan.CacheMeteredPriceID(priceID); err != nil {
		return false, err
	}
	r.rows[code] = plan
	r.writes++
	return true, nil
}

// memUsageRepo holds the latest usage per tenant
type memUsageRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]billing.UsagePeriod
}

func newMemUsageRepo() *memUsageRepo {
	return &memUsageRepo{rows: make(map[uuid.UUID]billing.UsagePeriod)}
}

func (r *memUsageRepo) put(usage billing.UsagePeriod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[usage.TenantID] = usage
}

func (r *memUsageRepo) FindLatest(ctx context.Context, tenantID uuid.UUID, cycleStart, cycleEnd time.Time) (*billing.UsagePeriod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	usage, ok := r.rows[tenantID]
	if !ok {
		return nil, billing.ErrUsageNotFound
	}
	return &usage, nil
}

// memEventRepo is an append-only slice
type memEventRepo struct {
	mu        sync.Mutex
	events    []*billing.Event
	appendErr error
}

func (r *memEventRepo) Append(ctx context.Context, event *billing.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	r.events = append(r.events, event)
	return nil
}

func (r *memEventRepo) FindByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*billing.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*billing.Event
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		if r.events[i].TenantID() == tenantID {
			out = append(out, r.events[i])
		}
	}
	return out, nil
}

func (r *memEventRepo) ofType(eventType billing.EventType) []*billing.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*billing.Event
	for _, e := range r.events {
		if e.EventType() == string(eventType) {
			out = append(out, e)
		}
	}
	return out
}

// harness wires the services over the in-memory fakes
type harness struct {
	provider *fakeProvider
	accounts *memAccountRepo
	plans    *memPlanRepo
	usage    *memUsageRepo
	events   *memEventRepo
	locker   *lock.MemoryLocker

	eventLog *EventLog
	prices   *PriceCatalogResolver
	items    *SubscriptionItemReconciler
	reporter *UsageReporter
	overage  *OverageService
	job      *ReconciliationJob
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop()
	h := &harness{
		provider: newFakeProvider(),
		accounts: newMemAccountRepo(),
		plans:    newMemPlanRepo(),
		usage:    newMemUsageRepo(),
		events:   &memEventRepo{},
		locker:   lock.NewMemoryLocker(),
	}
	h.eventLog = NewEventLog(h.events, log)
	h.prices = NewPriceCatalogResolver(h.plans, h.provider, h.locker, h.eventLog, nil, log)
	h.items = NewSubscriptionItemReconciler(h.provider, log)
	h.reporter = NewUsageReporter(h.accounts, h.plans, h.provider, h.eventLog, nil, log)
	h.overage = NewOverageService(h.accounts, h.plans, h.prices, h.items, h.eventLog, h.locker, nil, log, 5*time.Second)
	h.job = NewReconciliationJob(h.accounts, h.usage, h.reporter, h.eventLog, h.locker, nil, log, ReconciliationJobConfig{
		TenantTimeout: 2 * time.Second,
		RetryAttempts: 3,
		RetryInitial:  time.Millisecond,
		RetryMax:      5 * time.Millisecond,
	})
	return h
}

func (h *harness) addPlan(t *testing.T, code string, free bool, rate string) *billing.Plan {
	t.Helper()
	return h.addPlanWithAllowance(t, code, free, rate, 1000)
}

func (h *harness) addPlanWithAllowance(t *testing.T, code string, free bool, rate string, included int64) *billing.Plan {
	t.Helper()
	plan, err := billing.NewPlan(code, code, free, "prod_"+code, decimal.RequireFromString(rate), "usd", included)
	require.NoError(t, err)
	h.plans.put(plan)
	return plan
}

// addTenant creates an active account; subscriptionID may be empty
func (h *harness) addTenant(t *testing.T, planCode, subscriptionID string) uuid.UUID {
	t.Helper()
	start := time.Now().UTC().AddDate(0, 0, -10)
	account, err := billing.NewAccount(uuid.New(), planCode, start, start.AddDate(0, 1, 0))
	require.NoError(t, err)
	if subscriptionID != "" {
		require.NoError(t, account.LinkSubscription(subscriptionID))
		h.provider.addSubscription(subscriptionID, "price_base")
	}
	require.NoError(t, h.accounts.Create(context.Background(), account))
	return account.TenantID
}

func (h *harness) account(t *testing.T, tenantID uuid.UUID) *billing.Account {
	t.Helper()
	account, err := h.accounts.FindByTenant(context.Background(), tenantID)
	require.NoError(t, err)
	return account
}

func (h *harness) setUsage(tenantID uuid.UUID, used, included int64) {
	now := time.Now().UTC()
	h.usage.put(billing.UsagePeriod{
		TenantID:        tenantID,
		PeriodStart:     now.AddDate(0, 0, -10),
		PeriodEnd:       now.AddDate(0, 0, 20),
		MinutesUsed:     used,
		MinutesIncluded: included,
		RecordedAt:      now,
	})
}

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
