package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// racingPlanRepo caches a competing price just before the resolver's conditional write
type racingPlanRepo struct {
	*memPlanRepo
	competingID string
}

func (r *racingPlanRepo) SetMeteredPriceIDIfAbsent(ctx context.Context, code, priceID string) (bool, error) {
	if _, err := r.memPlanRepo.SetMeteredPriceIDIfAbsent(ctx, code, r.competingID); err != nil {
		return false, err
	}
	return r.memPlanRepo.SetMeteredPriceIDIfAbsent(ctx, code, priceID)
}

func TestPriceCatalogResolver_EnsureMeteredPrice(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the cached price without calling the provider", func(t *testing.T) {
		h := newHarness(t)
		plan := h.addPlan(t, "pro", false, "0.015")
		require.NoError(t, plan.CacheMeteredPriceID("price_cached"))

		priceID, err := h.prices.EnsureMeteredPrice(ctx, plan)

		require.NoError(t, err)
		assert.Equal(t, "price_cached", priceID)
		assert.Zero(t, h.provider.callCount("create_price"))
	})

	t.Run("creates, persists and records a new price", func(t *testing.T) {
		h := newHarness(t)
		plan := h.addPlan(t, "pro", false, "0.015")

		priceID, err := h.prices.EnsureMeteredPrice(ctx, plan)

		require.NoError(t, err)
		cached, ok := plan.MeteredPriceID()
		assert.True(t, ok)
		assert.Equal(t, priceID, cached)

		stored, err := h.plans.FindByCode(ctx, "pro")
		require.NoError(t, err)
		persisted, _ := stored.MeteredPriceID()
		assert.Equal(t, priceID, persisted)

		h.provider.mu.Lock()
		created, ok := h.provider.pricesByKey["metered-price:pro:usd:1.5"]
		h.provider.mu.Unlock()
		require.True(t, ok, "idempotency key derives from plan, currency and minor unit amount")
		assert.Equal(t, priceID, created.ID)

		events := h.events.ofType(billing.EventMeteredPriceCreated)
		require.Len(t, events, 1)
		assert.Equal(t, "pro", events[0].Payload["plan_code"])
		assert.Equal(t, "1.5", events[0].Payload["unit_amount"])
	})

	t.Run("concurrent first use creates one price", func(t *testing.T) {
		h := newHarness(t)
		h.addPlan(t, "pro", false, "0.015")

		const callers = 16
		ids := make([]string, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				plan, err := h.plans.FindByCode(ctx, "pro")
				if !assert.NoError(t, err) {
					return
				}
				ids[i], err = h.prices.EnsureMeteredPrice(ctx, plan)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, h.provider.callCount("create_price"))
		assert.Equal(t, 1, h.plans.writes)
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("separate resolvers sharing a lock create one price", func(t *testing.T) {
		h := newHarness(t)
		h.addPlan(t, "pro", false, "0.015")
		other := NewPriceCatalogResolver(h.plans, h.provider, h.locker, h.eventLog, nil, zap.NewNop())

		var wg sync.WaitGroup
		for _, r := range []*PriceCatalogResolver{h.prices, other} {
			wg.Add(1)
			go func(r *PriceCatalogResolver) {
				defer wg.Done()
				plan, err := h.plans.FindByCode(ctx, "pro")
				if !assert.NoError(t, err) {
					return
				}
				_, err = r.EnsureMeteredPrice(ctx, plan)
				assert.NoError(t, err)
			}(r)
		}
		wg.Wait()

		assert.Equal(t, 1, h.provider.callCount("create_price"))
	})

	t.Run("losing the conditional write adopts the stored price", func(t *testing.T) {
		h := newHarness(t)
		plan := h.addPlan(t, "pro", false, "0.015")
		racing := &racingPlanRepo{memPlanRepo: h.plans, competingID: "price_winner"}
		resolver := NewPriceCatalogResolver(racing, h.provider, h.locker, h.eventLog, nil, zap.NewNop())

		priceID, err := resolver.EnsureMeteredPrice(ctx, plan)

		require.NoError(t, err)
		assert.Equal(t, "price_winner", priceID)
		assert.Empty(t, h.events.ofType(billing.EventMeteredPriceCreated))
	})

	t.Run("plan without product is a configuration error", func(t *testing.T) {
		h := newHarness(t)
		plan, err := billing.NewPlan("bare", "Bare", false, "", decimalFromString(t, "0.02"), "usd", 0)
		require.NoError(t, err)
		h.plans.put(plan)

		_, err = h.prices.EnsureMeteredPrice(ctx, plan)

		assert.Equal(t, billing.FailureConfiguration, billing.Classify(err))
		assert.Zero(t, h.provider.callCount("create_price"))
	})

	t.Run("provider failure is surfaced and nothing is cached", func(t *testing.T) {
		h := newHarness(t)
		plan := h.addPlan(t, "pro", false, "0.015")
		h.provider.createPriceErr = billing.ErrProviderUnavailable

		_, err := h.prices.EnsureMeteredPrice(ctx, plan)

		assert.ErrorIs(t, err, billing.ErrProviderUnavailable)
		_, cached := plan.MeteredPriceID()
		assert.False(t, cached)
		assert.Zero(t, h.plans.writes)
	})

	t.Run("a canceled caller does not fail callers sharing its resolution", func(t *testing.T) {
		h := newHarness(t)
		h.addPlan(t, "pro", false, "0.015")
		h.provider.createPriceGate = make(chan struct{})
		h.provider.createPriceStarted = make(chan struct{}, 2)

		firstCtx, cancelFirst := context.WithCancel(ctx)
		defer cancelFirst()
		firstPlan, err := h.plans.FindByCode(ctx, "pro")
		require.NoError(t, err)
		firstErr := make(chan error, 1)
		go func() {
			_, err := h.prices.EnsureMeteredPrice(firstCtx, firstPlan)
			firstErr <- err
		}()
		<-h.provider.createPriceStarted

		type outcome struct {
			priceID string
			err     error
		}
		secondPlan, err := h.plans.FindByCode(ctx, "pro")
		require.NoError(t, err)
		second := make(chan outcome, 1)
		go func() {
			priceID, err := h.prices.EnsureMeteredPrice(ctx, secondPlan)
			second <- outcome{priceID, err}
		}()

		cancelFirst()
		select {
		case err := <-firstErr:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("canceled caller did not return")
		}

		close(h.provider.createPriceGate)
		var got outcome
		select {
		case got = <-second:
		case <-time.After(5 * time.Second):
			t.Fatal("second caller did not return")
		}
		require.NoError(t, got.err)
		assert.NotEmpty(t, got.priceID)

		stored, err := h.plans.FindByCode(ctx, "pro")
		require.NoError(t, err)
		storedID, ok := stored.MeteredPriceID()
		require.True(t, ok)
		assert.Equal(t, got.priceID, storedID)
		assert.Equal(t, 1, h.provider.callCount("create_price"))
		_, cached := firstPlan.MeteredPriceID()
		assert.False(t, cached)
	})
}
