package billing

import (
	"context"

	"github.com/google/uuid"
)

// Locker serializes work on a key across every holder sharing the same backend
type Locker interface {
	// Lock blocks until key is held or ctx ends. unlock must be called exactly once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func tenantLockKey(tenantID uuid.UUID) string {
	return "tenant:" + tenantID.String()
}

func planLockKey(planCode string) string {
	return "plan:" + planCode
}
