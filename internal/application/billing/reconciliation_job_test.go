package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// enabledTenants creates n paid tenants with overage enabled and 1500 used minutes each
func enabledTenants(t *testing.T, h *harness, n int) ([]uuid.UUID, map[uuid.UUID]string) {
	t.Helper()
	h.addPlan(t, "pro", false, "0.01")
	ids := make([]uuid.UUID, n)
	lineItems := make(map[uuid.UUID]string, n)
	for i := range ids {
		tenantID := h.addTenant(t, "pro", uuid.NewString())
		require.NoError(t, h.overage.Enable(context.Background(), EnableOverageCommand{TenantID: tenantID}))
		lineItemID, ok := h.account(t, tenantID).LineItemID()
		require.True(t, ok)
		h.setUsage(tenantID, 1500, 1000)
		ids[i] = tenantID
		lineItems[tenantID] = lineItemID
	}
	return ids, lineItems
}

func resultFor(summary *RunSummary, tenantID uuid.UUID) TenantResult {
	for _, r := range summary.Results {
		if r.TenantID == tenantID {
			return r
		}
	}
	return TenantResult{}
}

func TestReconciliationJob_RunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("one failing tenant does not stop the others", func(t *testing.T) {
		h := newHarness(t)
		ids, lineItems := enabledTenants(t, h, 10)
		failing := ids[3]
		h.provider.reportErrs[lineItems[failing]] = []error{billing.ErrProviderRejected}

		summary, err := h.job.RunOnce(ctx)

		require.NoError(t, err)
		assert.Equal(t, 10, summary.Total())
		assert.Equal(t, 9, summary.Synced)
		assert.Equal(t, 0, summary.Skipped)
		assert.Equal(t, 1, summary.Failed)

		for _, id := range ids {
			result := resultFor(summary, id)
			if id == failing {
				assert.Equal(t, OutcomeFailed, result.Outcome)
				assert.Equal(t, billing.FailureRejected, result.Reason)
				assert.Equal(t, 1, result.Attempts, "permanent failures are not retried")
				continue
			}
			assert.Equal(t, OutcomeSynced, result.Outcome)
			assert.True(t, result.Reported)
			assert.Equal(t, int64(500), result.Quantity)
			assert.Len(t, h.provider.reportsFor(lineItems[id]), 1)
		}

		failures := h.events.ofType(billing.EventOverageReconciliationFailure)
		require.Len(t, failures, 1)
		assert.Equal(t, failing, failures[0].TenantID())
		assert.Equal(t, "failed", failures[0].Payload["outcome"])
		assert.Equal(t, summary.RunID.String(), failures[0].Payload["run_id"])
	})

	t.Run("transient failures are retried within the tenant", func(t *testing.T) {
		h := newHarness(t)
		ids, lineItems := enabledTenants(t, h, 1)
		h.provider.reportErrs[lineItems[ids[0]]] = []error{billing.ErrProviderUnavailable}

		summary, err := h.job.RunOnce(ctx)

		require.NoError(t, err)
		result := resultFor(summary, ids[0])
		assert.Equal(t, OutcomeSynced, result.Outcome)
		assert.Equal(t, 2, result.Attempts)
		assert.Empty(t, h.events.ofType(billing.EventOverageReconciliationFailure))
	})

	t.Run("retries stop after the configured attempts", func(t *testing.T) {
		h := newHarness(t)
		ids, lineItems := enabledTenants(t, h, 1)
		h.provider.reportErrs[lineItems[ids[0]]] = []error{
			billing.ErrProviderUnavailable, billing.ErrProviderUnavailable,
			billing.ErrProviderUnavailable, billing.ErrProviderUnavailable,
		}

		summary, err := h.job.RunOnce(ctx)

		require.NoError(t, err)
		result := resultFor(summary, ids[0])
		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.Equal(t, billing.FailureTransient, result.Reason)
		assert.Equal(t, 3, result.Attempts)
	})

	t.Run("missing usage skips the tenant", func(t *testing.T) {
		h := newHarness(t)
		ids, _ := enabledTenants(t, h, 2)
		h.usage.mu.Lock()
		delete(h.usage.rows, ids[1])
		h.usage.mu.Unlock()

		summary, err := h.job.RunOnce(ctx)

		require.NoError(t, err)
		assert.Equal(t, 1, summary.Synced)
		assert.Equal(t, 1, summary.Skipped)
		result := resultFor(summary, ids[1])
		assert.Equal(t, billing.FailureNotFound, result.Reason)
		assert.ErrorIs(t, result.Err, billing.ErrUsageNotFound)

		failures := h.events.ofType(billing.EventOverageReconciliationFailure)
		require.Len(t, failures, 1)
		assert.Equal(t, "skipped", failures[0].Payload["outcome"])
	})

	t.Run("a panicking tenant is contained", func(t *testing.T) {
		h := newHarness(t)
		ids, lineItems := enabledTenants(t, h, 3)
		panicking := lineItems[ids[1]]
		h.provider.onReport = func(report billing.UsageReport) {
			if report.LineItemID == panicking {
				panic("provider client bug")
			}
		}

		summary, err := h.job.RunOnce(ctx)

		require.NoError(t, err)
		assert.Equal(t, 2, summary.Synced)
		assert.Equal(t, 1, summary.Failed)
		result := resultFor(summary, ids[1])
		assert.ErrorIs(t, result.Err, ErrTenantPanicked)
		assert.Equal(t, billing.FailureInternal, result.Reason)
	})

	t.Run("a stuck tenant is bounded by the tenant timeout", func(t *testing.T) {
		h := newHarness(t)
		ids, _ := enabledTenants(t, h, 2)
		job := NewReconciliationJob(h.accounts, h.usage, h.reporter, h.eventLog, h.locker, nil, zap.NewNop(), ReconciliationJobConfig{
			TenantTimeout: 50 * time.Millisecond,
			RetryAttempts: 1,
		})

		unlock, err := h.locker.Lock(ctx, tenantLockKey(ids[0]))
		require.NoError(t, err)
		defer unlock()

		start := time.Now()
		summary, err := job.RunOnce(ctx)

		require.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, OutcomeFailed, resultFor(summary, ids[0]).Outcome)
		assert.Equal(t, billing.FailureTransient, resultFor(summary, ids[0]).Reason)
		assert.Equal(t, OutcomeSynced, resultFor(summary, ids[1]).Outcome)
	})

	t.Run("tenant disabled since enumeration is a no-op", func(t *testing.T) {
		h := newHarness(t)
		ids, _ := enabledTenants(t, h, 1)
		h.provider.onReport = func(billing.UsageReport) { t.Error("unexpected usage report") }
		disabled := h.account(t, ids[0])
		disabled.DisableOverage()

		job := NewReconciliationJob(&staleListRepo{memAccountRepo: h.accounts, stale: []*billing.Account{h.account(t, ids[0])}},
			h.usage, h.reporter, h.eventLog, h.locker, nil, zap.NewNop(), DefaultReconciliationJobConfig())
		require.NoError(t, h.accounts.Update(ctx, disabled))

		summary, err := job.RunOnce(ctx)

		require.NoError(t, err)
		result := resultFor(summary, ids[0])
		assert.Equal(t, OutcomeSynced, result.Outcome)
		assert.False(t, result.Reported)
	})

	t.Run("enumeration failure fails the run", func(t *testing.T) {
		h := newHarness(t)
		h.accounts.listErr = errors.New("connection refused")

		summary, err := h.job.RunOnce(ctx)

		assert.Nil(t, summary)
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("empty run", func(t *testing.T) {
		h := newHarness(t)

		summary, err := h.job.RunOnce(ctx)

		require.NoError(t, err)
		assert.Zero(t, summary.Total())
		assert.False(t, summary.FinishedAt.Before(summary.StartedAt))
	})
}

// staleListRepo returns a fixed enumeration captured before later writes
type staleListRepo struct {
	*memAccountRepo
	stale []*billing.Account
}

func (r *staleListRepo) FindOverageBillable(ctx context.Context) ([]*billing.Account, error) {
	return r.stale, nil
}
