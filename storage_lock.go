package s3db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// StorageLock is an optional storage-backed lease that Resource operations
// do not acquire themselves (they use in-process striped locks):
// a lease object at `<prefix>/locks/<scope>/<hash>`, acquired via the
// backend's PutIfMatch compare-and-swap, the storage-backed analogue of
// the teacher's Redis-based DistributedLock.
type StorageLock struct {
	backend Backend
	prefix  string
	retry   RetryConfig
}

// NewStorageLock builds a lock manager rooted at prefix (the database's
// key prefix), using cfg for acquisition retries.
func NewStorageLock(backend Backend, prefix string, cfg RetryConfig) *StorageLock {
	return &StorageLock{backend: backend, prefix: prefix, retry: cfg}
}

type leaseDoc struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (l *StorageLock) leaseKey(scope string) string {
	sum := sha256.Sum256([]byte(scope))
	return fmt.Sprintf("%s/locks/%s/%s", l.prefix, scope, hex.EncodeToString(sum[:])[:16])
}

// Acquire attempts to create or take over an expired lease for scope,
// retrying with jittered exponential backoff per l.retry. It returns a
// release function the caller must call (typically via defer) to free the
// lease early; the lease also self-expires after ttl.
func (l *StorageLock) Acquire(ctx context.Context, scope, holder string, ttl time.Duration) (release func() error, err error) {
	key := l.leaseKey(scope)
	backoff := l.retry.InitialBackoff

	for attempt := 0; attempt <= l.retry.MaxRetries; attempt++ {
		ok, etag, acquireErr := l.tryAcquire(ctx, key, holder, ttl)
		if acquireErr != nil {
			return nil, acquireErr
		}
		if ok {
			capturedEtag := etag
			return func() error {
				_, err := l.backend.PutIfMatch(ctx, key, mustMarshalExpired(), capturedEtag)
				if err != nil && !IsConflict(err) {
					return err
				}
				return nil
			}, nil
		}

		if attempt == l.retry.MaxRetries {
			break
		}
		jitter := time.Duration(rand.Float64() * l.retry.JitterPercent * float64(backoff))
		select {
		case <-ctx.Done():
			return nil, &CancelledError{Op: "lock acquire"}
		case <-time.After(backoff + jitter):
		}
		backoff *= time.Duration(l.retry.BackoffMultiple)
	}

	return nil, &LockTimeoutError{Scope: scope, Waited: backoff.String(), Retries: l.retry.MaxRetries}
}

func (l *StorageLock) tryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, string, error) {
	lease := leaseDoc{Holder: holder, ExpiresAt: time.Now().Add(ttl)}
	data, err := json.Marshal(lease)
	if err != nil {
		return false, "", err
	}

	existing, etag, err := l.backend.GetWithETag(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			newEtag, putErr := l.backend.PutIfMatch(ctx, key, data, "")
			if putErr != nil {
				if IsConflict(putErr) {
					return false, "", nil
				}
				return false, "", putErr
			}
			return true, newEtag, nil
		}
		return false, "", err
	}

	var current leaseDoc
	if err := json.Unmarshal(existing, &current); err != nil || time.Now().After(current.ExpiresAt) {
		newEtag, putErr := l.backend.PutIfMatch(ctx, key, data, etag)
		if putErr != nil {
			if IsConflict(putErr) {
				return false, "", nil
			}
			return false, "", putErr
		}
		return true, newEtag, nil
	}

	return false, "", nil
}

func mustMarshalExpired() []byte {
	raw, _ := json.Marshal(leaseDoc{ExpiresAt: time.Unix(0, 0)})
	return raw
}
