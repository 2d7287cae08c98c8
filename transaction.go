package s3db

import (
	"context"
	"encoding/json"
	"fmt"
)

// OptimisticTransaction coordinates writes across several resources using
// optimistic concurrency rather than a storage-layer multi-key transaction
// (no backend this package supports offers one). It operates directly on a
// resource's data key rather than through Resource.Insert/Update, so it
// skips schema validation, hooks, and partition-ref reconciliation — callers
// that need those go through Resource and accept its single-document
// atomicity instead. This is the narrow multi-resource exception spec.md §8
// allows alongside the rule that Resource operations are otherwise
// single-document atomic.
//
// Conflicts are only caught for keys read through Get first: a write queued
// via Put for a key the transaction never read lands unconditionally.
// Rollback on a failed Commit is best-effort and can itself fail, leaving a
// partially-applied transaction — this is not ACID, and is meant for
// low-contention coordination (denormalized counters, cross-resource
// references) rather than critical invariants.
type OptimisticTransaction struct {
	db      *Database
	writes  []txWrite
	deletes []txKey
	etags   map[string]string
}

type txKey struct {
	resource string
	id       string
}

func (k txKey) String() string { return k.resource + "/" + k.id }

type txWrite struct {
	key   txKey
	value map[string]interface{}
}

// BeginTx starts a new optimistic cross-resource transaction against db.
func (db *Database) BeginTx(ctx context.Context) *OptimisticTransaction {
	return &OptimisticTransaction{db: db, etags: make(map[string]string)}
}

// Put queues a write of doc to resource/id, applied unconditionally at
// Commit unless the same key was previously read with Get.
func (tx *OptimisticTransaction) Put(resource, id string, doc map[string]interface{}) {
	tx.writes = append(tx.writes, txWrite{key: txKey{resource, id}, value: doc})
}

// Delete queues a removal of resource/id.
func (tx *OptimisticTransaction) Delete(resource, id string) {
	tx.deletes = append(tx.deletes, txKey{resource, id})
}

// Get reads resource/id and records its ETag, so a subsequent Put to the
// same key is committed with PutIfMatch instead of an unconditional write.
func (tx *OptimisticTransaction) Get(ctx context.Context, resource, id string, dest *map[string]interface{}) error {
	r, ok := tx.db.GetResource(resource)
	if !ok {
		return &NotFoundError{Resource: resource, ID: id}
	}
	data, etag, err := tx.db.backend.GetWithETag(ctx, r.dataKey(id))
	if err != nil {
		if IsNotFound(err) {
			return &NotFoundError{Resource: resource, ID: id}
		}
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return err
	}
	tx.etags[txKey{resource, id}.String()] = etag
	return nil
}

// Commit applies every queued write and delete, rolling back (best effort)
// on the first failure.
func (tx *OptimisticTransaction) Commit(ctx context.Context) error {
	written := make([]txKey, 0, len(tx.writes))
	originals := make(map[string][]byte)

	for _, w := range tx.writes {
		r, ok := tx.db.GetResource(w.key.resource)
		if !ok {
			tx.rollback(ctx, written, originals)
			return &NotFoundError{Resource: w.key.resource, ID: w.key.id}
		}
		if data, err := tx.db.backend.Get(ctx, r.dataKey(w.key.id)); err == nil {
			originals[w.key.String()] = data
		}
	}

	for _, w := range tx.writes {
		r := tx.db.MustResource(w.key.resource)
		key := r.dataKey(w.key.id)

		data, err := json.Marshal(w.value)
		if err != nil {
			tx.rollback(ctx, written, originals)
			return fmt.Errorf("marshal error for %s: %w", w.key, err)
		}

		if expectedETag, tracked := tx.etags[w.key.String()]; tracked {
			if _, err := tx.db.backend.PutIfMatch(ctx, key, data, expectedETag); err != nil {
				tx.rollback(ctx, written, originals)
				return fmt.Errorf("optimistic lock failed for %s: %w", w.key, err)
			}
		} else if err := tx.db.backend.Put(ctx, key, data); err != nil {
			tx.rollback(ctx, written, originals)
			return fmt.Errorf("write error for %s: %w", w.key, err)
		}

		written = append(written, w.key)
	}

	for _, k := range tx.deletes {
		r, ok := tx.db.GetResource(k.resource)
		if !ok {
			tx.rollback(ctx, written, originals)
			return &NotFoundError{Resource: k.resource, ID: k.id}
		}
		key := r.dataKey(k.id)
		if data, err := tx.db.backend.Get(ctx, key); err == nil {
			originals[k.String()] = data
		}
		if err := tx.db.backend.Delete(ctx, key); err != nil {
			tx.rollback(ctx, written, originals)
			return fmt.Errorf("delete error for %s: %w", k, err)
		}
	}

	return nil
}

// Rollback abandons a transaction that has not been committed, dropping
// its queued writes and deletes; storage is left as it was. It does not
// undo a Commit that already succeeded (a Commit that fails rolls back its
// own applied writes, best effort).
func (tx *OptimisticTransaction) Rollback(ctx context.Context) error {
	tx.writes = nil
	tx.deletes = nil
	return nil
}

func (tx *OptimisticTransaction) writes2Keys() []txKey {
	keys := make([]txKey, len(tx.writes))
	for i, w := range tx.writes {
		keys[i] = w.key
	}
	return keys
}

func (tx *OptimisticTransaction) rollback(ctx context.Context, written []txKey, originals map[string][]byte) error {
	var errs []error
	for _, k := range written {
		r, ok := tx.db.GetResource(k.resource)
		if !ok {
			continue
		}
		key := r.dataKey(k.id)
		if data, exists := originals[k.String()]; exists {
			if err := tx.db.backend.Put(ctx, key, data); err != nil {
				errs = append(errs, fmt.Errorf("restore %s: %w", k, err))
			}
		} else {
			if err := tx.db.backend.Delete(ctx, key); err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("rollback incomplete (%d errors): %v", len(errs), errs)
	}
	return nil
}

// WithTransaction runs fn inside an optimistic transaction, committing on
// success and rolling back (best effort) if fn returns an error.
func (db *Database) WithTransaction(ctx context.Context, fn func(tx *OptimisticTransaction) error) error {
	tx := db.BeginTx(ctx)
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
