package domain

import (
	"context"
	"strconv"
	"time"
)

// DistributedLock serializes conflicting writes to the same subject record,
// e.g. two concurrent KYC decisions for the same provider.
type DistributedLock interface {
	Ping(ctx context.Context) (err error)
	Lock(lockKey string, lockTimeDuration time.Duration) (result bool, err error)
	Unlock(lockKey string) (err error)
	Close() error
}

func ProviderLockKey(providerID int32) string {
	return "lock:provider:" + strconv.FormatInt(int64(providerID), 10)
}
