package s3db

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ResourceState is the paranoid-delete state machine spec'd for resources
// that opt into soft deletion: a document moves absent -> live ->
// tombstoned -> purged, and only a purge actually removes the object.
type ResourceState string

const (
	StateAbsent     ResourceState = "absent"
	StateLive       ResourceState = "live"
	StateTombstoned ResourceState = "tombstoned"
	StatePurged     ResourceState = "purged"
)

// ResourceConfig declares one resource's schema, partitions, and policies.
type ResourceConfig struct {
	Name            string
	SchemaOrder     []string
	SchemaDef       map[string]string
	Partitions      []PartitionDef
	Behavior        Behavior
	Paranoid        bool
	AsyncPartitions bool
	Cascades        []CascadeSpec

	// Unique names fields whose values must be distinct across every live
	// document in the resource, enforced by a Redis-backed uniqueness
	// index (redis_constraints.go). Requires the Database to carry a
	// Redis client (WithRedisClient); without one, CreateResource rejects
	// a non-empty Unique list rather than silently skip enforcement.
	Unique []string

	// IDSequence, when set, names a Redis counter key used to assign
	// sequential integer ids (formatted as a string) to documents
	// inserted without a caller-supplied id, instead of the default
	// random NewID. Requires a Database Redis client.
	IDSequence string

	// Accelerated opts the resource's partition lookups into the Redis
	// read accelerator (redis_indexer.go) cached alongside the
	// authoritative storage-backed partition refs. Requires a Database
	// Redis client; CreateResource rejects Accelerated without one rather
	// than silently falling back to storage-only lookups.
	Accelerated bool

	// MigrationPolicy controls what happens once a read-time migration
	// (migration.go) has brought a stored document up to the resource's
	// current schema version. MigrateOnRead (the default) only migrates
	// the in-memory result; MigrateAndWrite additionally persists the
	// migrated wire shape back to storage so the next read skips the
	// migration entirely.
	MigrationPolicy MigrationPolicy
}

// Resource is the Resource Engine's handle for one named collection of
// documents: schema validation + wire mapping + metadata/body behavior +
// partition refs + hooks, generalizing the teacher's IndexManager
// Create/Update/Delete orchestration (write main, then reconcile
// partitions) onto the Schema Engine's Mapper/Behavior split. Per-key
// serialization is provided by an in-process StripedLocks, the same
// primitive every Backend uses internally for PutIfMatch, so a single
// process never races itself on one document id (spec.md §5); the
// optional distributed soft lock (storage_lock.go) guards multi-process
// deployments and is acquired by collaborators that need it, not by every
// single-process call here.
type Resource struct {
	db              *Database
	name            string
	dataPrefix      string
	schema          *Schema
	mapper          *Mapper
	behavior        Behavior
	partitions      *PartitionManager
	hooks           *HookSet
	paranoid        bool
	locks           *StripedLocks
	unique          *ConstraintManager
	idSeq           *Counter
	migrationPolicy MigrationPolicy
}

func newResource(db *Database, cfg ResourceConfig, pool *WorkerPool) (*Resource, error) {
	order := cfg.SchemaOrder
	if order == nil {
		for name := range cfg.SchemaDef {
			order = append(order, name)
		}
	}
	schema, err := ParseSchemaOrdered(cfg.Name, order, cfg.SchemaDef)
	if err != nil {
		return nil, err
	}
	behavior := cfg.Behavior
	if behavior == nil {
		behavior = &BodyOnlyBehavior{}
	}
	for i := range cfg.Partitions {
		cfg.Partitions[i].Async = cfg.Partitions[i].Async || cfg.AsyncPartitions
	}
	dataPrefix := fmt.Sprintf("%s/resource=%s/data", db.prefix, cfg.Name)
	pm := NewPartitionManager(db.backend, db.prefix, cfg.Name, cfg.Partitions, pool, db.logger, db.metrics)
	if cfg.Accelerated {
		if db.redis == nil {
			return nil, &ValidationError{Resource: cfg.Name, Field: "accelerated", Reason: "requires a database configured with WithRedisClient"}
		}
		pm = pm.WithAccelerator(NewRedisIndexer(db.redis))
	}

	var unique *ConstraintManager
	if len(cfg.Unique) > 0 {
		if db.redis == nil {
			return nil, &ValidationError{Resource: cfg.Name, Field: "unique", Reason: "requires a database configured with WithRedisClient"}
		}
		unique = NewConstraintManager(db.redis)
		for _, field := range cfg.Unique {
			field := field
			unique.RegisterConstraint(&UniqueConstraint{
				EntityType: cfg.Name,
				FieldName:  field,
				GetValue: func(data interface{}) (string, error) {
					doc, _ := data.(map[string]interface{})
					v, _ := doc[field].(string)
					return v, nil
				},
			})
		}
	}

	var idSeq *Counter
	if cfg.IDSequence != "" {
		if db.redis == nil {
			return nil, &ValidationError{Resource: cfg.Name, Field: "idSequence", Reason: "requires a database configured with WithRedisClient"}
		}
		idSeq = NewCounter(db.redis, cfg.IDSequence, db.logger, db.metrics)
	}

	return &Resource{
		db:              db,
		name:            cfg.Name,
		dataPrefix:      dataPrefix,
		schema:          schema,
		mapper:          NewMapper(schema),
		behavior:        behavior,
		partitions:      pm,
		hooks:           NewHookSet(),
		paranoid:        cfg.Paranoid,
		locks:           NewStripedLocks(32),
		unique:          unique,
		idSeq:           idSeq,
		migrationPolicy: cfg.MigrationPolicy,
	}, nil
}

// Hooks exposes the resource's hook set for registration.
func (r *Resource) Hooks() *HookSet { return r.hooks }

func (r *Resource) dataKey(id string) string {
	return fmt.Sprintf("%s/id=%s", r.dataPrefix, id)
}

// Insert validates doc, assigns a new id if absent, and writes the
// document plus its partition refs. The per-key lock makes the
// exists-check-then-write atomic with respect to other callers in this
// process, so of N concurrent inserts sharing an id, exactly one observes
// the key absent and succeeds; the rest observe it present and fail with
// ConflictError (spec.md §8, property 6). In sync partition mode, a ref
// failure rolls back the inserted document (best-effort delete) and
// surfaces PartitionError instead of leaving a half-written resource.
func (r *Resource) Insert(ctx context.Context, doc map[string]interface{}) (string, error) {
	id, _ := doc["id"].(string)
	if id == "" {
		if r.idSeq != nil {
			seq, err := r.idSeq.Increment(ctx)
			if err != nil {
				return "", err
			}
			id = strconv.FormatInt(seq, 10)
		} else {
			id = NewID()
		}
		doc["id"] = id
	}
	key := r.dataKey(id)

	unlock := r.locks.Lock(key)
	defer unlock()

	if exists, err := r.db.backend.Exists(ctx, key); err != nil {
		return "", err
	} else if exists {
		return "", &ConflictError{Resource: r.name, ID: id}
	}

	if err := r.hooks.Run(ctx, StageBeforeInsert, doc); err != nil {
		return "", err
	}
	if err := r.schema.Validate(doc); err != nil {
		return "", err
	}

	var claimed []string
	if r.unique != nil {
		c, err := r.unique.ClaimUniqueKeys(ctx, r.name, key, doc)
		if err != nil {
			return "", err
		}
		claimed = c
	}

	wire := r.mapper.ToWire(doc)
	wire["_id"] = id
	wire["_c"] = time.Now().UTC().Format(time.RFC3339)
	wire["_b"] = r.behavior.Name()
	meta, body, err := r.behavior.Split(r.schema, wire)
	if err != nil {
		r.releaseUnique(ctx, claimed)
		return "", err
	}

	if err := r.db.backend.PutMeta(ctx, key, body, meta); err != nil {
		r.releaseUnique(ctx, claimed)
		return "", err
	}

	if err := r.partitions.WriteRefs(ctx, id, doc); err != nil {
		_ = r.db.backend.Delete(ctx, key)
		r.releaseUnique(ctx, claimed)
		return "", &PartitionError{Resource: r.name, ID: id, Reason: err.Error()}
	}

	r.db.events.Publish(ctx, Event{Type: EventInserted, Resource: r.name, ID: id, Data: doc})
	_ = r.hooks.Run(ctx, StageAfterInsert, doc)
	return id, nil
}

func (r *Resource) releaseUnique(ctx context.Context, claimed []string) {
	if r.unique == nil || len(claimed) == 0 {
		return
	}
	if err := r.unique.ReleaseUniqueKeys(ctx, claimed); err != nil {
		r.db.logger.Warn("failed to release unique claims after rollback", "resource", r.name, "error", err)
	}
}

// Upsert inserts doc if id is absent, otherwise replaces the existing
// document (full overwrite, not a partial patch).
func (r *Resource) Upsert(ctx context.Context, id string, doc map[string]interface{}) error {
	doc["id"] = id
	key := r.dataKey(id)
	unlock := r.locks.Lock(key)
	exists, err := r.db.backend.Exists(ctx, key)
	unlock()
	if err != nil {
		return err
	}
	if !exists {
		_, err := r.Insert(ctx, doc)
		return err
	}
	return r.Update(ctx, id, doc)
}

// Update validates and replaces the full document at id, reconciling
// partition refs between the old and new values.
func (r *Resource) Update(ctx context.Context, id string, doc map[string]interface{}) error {
	key := r.dataKey(id)
	unlock := r.locks.Lock(key)
	defer unlock()
	return r.updateLocked(ctx, id, doc)
}

func (r *Resource) updateLocked(ctx context.Context, id string, doc map[string]interface{}) error {
	doc["id"] = id
	old, err := r.getLocked(ctx, id, false)
	if err != nil {
		return err
	}
	createdAt, _ := old["createdAt"].(string)

	if err := r.hooks.Run(ctx, StageBeforeUpdate, doc); err != nil {
		return err
	}
	if err := r.schema.Validate(doc); err != nil {
		return err
	}

	key := r.dataKey(id)
	if r.unique != nil {
		if _, err := r.unique.UpdateUniqueKeys(ctx, r.name, key, old, doc); err != nil {
			return err
		}
	}

	wire := r.mapper.ToWire(doc)
	wire["_id"] = id
	if createdAt != "" {
		wire["_c"] = createdAt
	}
	wire["_u"] = time.Now().UTC().Format(time.RFC3339)
	wire["_b"] = r.behavior.Name()
	meta, body, err := r.behavior.Split(r.schema, wire)
	if err != nil {
		return err
	}

	if err := r.db.backend.PutMeta(ctx, key, body, meta); err != nil {
		return err
	}

	r.partitions.DeleteRefs(ctx, id, old)
	if err := r.partitions.WriteRefs(ctx, id, doc); err != nil {
		return &PartitionError{Resource: r.name, ID: id, Reason: err.Error()}
	}

	r.db.events.Publish(ctx, Event{Type: EventUpdated, Resource: r.name, ID: id, Data: doc})
	_ = r.hooks.Run(ctx, StageAfterUpdate, doc)
	return nil
}

// Patch merges a partial document into the existing one and writes the
// merged result back, holding the per-key lock across the read-merge-write
// so concurrent patches to the same id serialize into some interleaving of
// writes rather than racing on a stale read (spec.md §8, property 7).
func (r *Resource) Patch(ctx context.Context, id string, partial map[string]interface{}) error {
	key := r.dataKey(id)
	unlock := r.locks.Lock(key)
	defer unlock()

	current, err := r.getLocked(ctx, id, false)
	if err != nil {
		return err
	}
	for k, v := range partial {
		current[k] = v
	}
	return r.updateLocked(ctx, id, current)
}

// Get reads and migrates a document to the resource's current schema
// version, returning the user-facing shape with its id restored.
func (r *Resource) Get(ctx context.Context, id string) (map[string]interface{}, error) {
	unlock := r.locks.RLock(r.dataKey(id))
	defer unlock()
	return r.getLocked(ctx, id, false)
}

// GetWithOptions behaves like Get but additionally supports reading a
// paranoid-tombstoned document when includeDeleted is true, matching the
// spec's `get(id, {includeDeleted:true})` scenario (spec.md §8.F).
func (r *Resource) GetWithOptions(ctx context.Context, id string, includeDeleted bool) (map[string]interface{}, error) {
	unlock := r.locks.RLock(r.dataKey(id))
	defer unlock()
	return r.getLocked(ctx, id, includeDeleted)
}

func (r *Resource) getLocked(ctx context.Context, id string, includeDeleted bool) (map[string]interface{}, error) {
	key := r.dataKey(id)
	obj, err := r.db.backend.GetMeta(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return nil, &NotFoundError{Resource: r.name, ID: id}
		}
		return nil, err
	}

	if !includeDeleted && obj.Metadata["_state"] == string(StateTombstoned) {
		return nil, &NotFoundError{Resource: r.name, ID: id}
	}

	wire, err := r.behavior.Join(r.schema, obj.Metadata, obj.Body)
	if err != nil {
		return nil, err
	}

	if storedVersion, _ := wire["_v"].(string); storedVersion != "" && storedVersion != r.schema.Version {
		migrated, err := globalRegistry.Run(r.name, storedVersion, r.schema.Version, mustMarshalWire(wire))
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(migrated, &wire); err != nil {
			return nil, err
		}
		r.db.events.Publish(ctx, Event{Type: EventSchemaUpgraded, Resource: r.name, ID: id})

		if r.migrationPolicy == MigrateAndWrite {
			if meta, body, err := r.behavior.Split(r.schema, wire); err == nil {
				if err := r.db.backend.PutMeta(ctx, key, body, meta); err != nil {
					r.db.logger.Warn("failed to write back migrated document", "resource", r.name, "id", id, "error", err)
				}
			}
		}
	}

	doc := r.mapper.FromWire(wire)
	doc["id"] = id
	if createdAt, _ := wire["_c"].(string); createdAt != "" {
		doc["createdAt"] = createdAt
	}
	if updatedAt, _ := wire["_u"].(string); updatedAt != "" {
		doc["updatedAt"] = updatedAt
	}
	if deletedAt, _ := wire["_d"].(string); deletedAt != "" {
		doc["deletedAt"] = deletedAt
	}
	return doc, nil
}

func mustMarshalWire(wire map[string]interface{}) []byte {
	raw, _ := json.Marshal(wire)
	return raw
}

// Exists reports whether a document currently exists at id (tombstoned
// documents under paranoid delete count as not existing, matching Get).
func (r *Resource) Exists(ctx context.Context, id string) (bool, error) {
	_, err := r.Get(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes a document. For paranoid resources, Delete moves the
// document to StateTombstoned (the body is kept, a tombstone flag is set
// in metadata, and partition refs are removed) rather than removing it;
// call Purge to actually remove it.
func (r *Resource) Delete(ctx context.Context, id string) error {
	key := r.dataKey(id)
	unlock := r.locks.Lock(key)
	defer unlock()

	old, err := r.getLocked(ctx, id, false)
	if err != nil {
		return err
	}
	if err := r.hooks.Run(ctx, StageBeforeDelete, old); err != nil {
		return err
	}
	if err := r.db.cascades.DeleteChildren(ctx, r.name, id); err != nil {
		return err
	}

	if r.paranoid {
		obj, err := r.db.backend.GetMeta(ctx, key)
		if err != nil {
			return err
		}
		meta := obj.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		meta["_state"] = string(StateTombstoned)
		meta["_d"] = time.Now().UTC().Format(time.RFC3339)
		if err := r.db.backend.PutMeta(ctx, key, obj.Body, meta); err != nil {
			return err
		}
		r.partitions.DeleteRefs(ctx, id, old)
	} else {
		if err := r.db.backend.Delete(ctx, key); err != nil {
			return err
		}
		r.partitions.DeleteRefs(ctx, id, old)
	}

	if r.unique != nil {
		keys := r.unique.extractConstraintKeys(ctx, r.name, key, old)
		if err := r.unique.ReleaseUniqueKeys(ctx, keys); err != nil {
			r.db.logger.Warn("failed to release unique claims on delete", "resource", r.name, "id", id, "error", err)
		}
	}

	r.db.events.Publish(ctx, Event{Type: EventDeleted, Resource: r.name, ID: id, Data: old})
	_ = r.hooks.Run(ctx, StageAfterDelete, old)
	return nil
}

// Purge permanently removes a tombstoned document and its partition refs.
// It surfaces a ValidationError if the document was never tombstoned, and
// NotFoundError if it never existed.
func (r *Resource) Purge(ctx context.Context, id string) error {
	key := r.dataKey(id)
	unlock := r.locks.Lock(key)
	defer unlock()

	meta, err := r.db.backend.HeadMeta(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return &NotFoundError{Resource: r.name, ID: id}
		}
		return err
	}
	if meta["_state"] != string(StateTombstoned) {
		return &ValidationError{Resource: r.name, Field: "id", Reason: "document is not tombstoned"}
	}
	doc, err := r.getLocked(ctx, id, true)
	if err != nil {
		return err
	}
	if err := r.db.backend.Delete(ctx, key); err != nil {
		return err
	}
	r.partitions.DeleteRefs(ctx, id, doc)
	return nil
}

// State reports a document's paranoid-delete lifecycle state.
func (r *Resource) State(ctx context.Context, id string) (ResourceState, error) {
	unlock := r.locks.RLock(r.dataKey(id))
	defer unlock()
	meta, err := r.db.backend.HeadMeta(ctx, r.dataKey(id))
	if err != nil {
		if IsNotFound(err) {
			return StateAbsent, nil
		}
		return "", err
	}
	if meta["_state"] == string(StateTombstoned) {
		return StateTombstoned, nil
	}
	return StateLive, nil
}

// List returns every id under this resource's data prefix.
func (r *Resource) List(ctx context.Context) ([]string, error) {
	keys, err := r.db.backend.List(ctx, r.dataPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, idFromRefKey(k))
	}
	return ids, nil
}

// Count returns the number of documents under this resource's data prefix.
func (r *Resource) Count(ctx context.Context) (int, error) {
	ids, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Stream invokes handler with batches of document ids, matching the
// Storage Client's ListPaginated contract for large resources.
func (r *Resource) Stream(ctx context.Context, handler func(ids []string) error) error {
	return r.db.backend.ListPaginated(ctx, r.dataPrefix, func(keys []string) error {
		ids := make([]string, 0, len(keys))
		for _, k := range keys {
			ids = append(ids, idFromRefKey(k))
		}
		return handler(ids)
	})
}

// QueryPartition returns the ids referenced by one partition/value
// combination, delegating to the Partition Manager's accelerated lookup.
// It surfaces UnsupportedQueryError when the named partition was never
// declared for this resource, matching spec.md §4.5's query contract
// ("UnsupportedQueryError if filter not backed by a partition"). When the
// caller's context carries a QueryProfiler (WithProfiler), the lookup is
// recorded there so operators can tell partition-backed O(1) lookups apart
// from the full-scan fallback an UnsupportedQueryError represents.
func (r *Resource) QueryPartition(ctx context.Context, partition string, values map[string]string) ([]string, error) {
	profiler := GetProfilerFromContext(ctx)
	profile := profiler.StartProfile(fmt.Sprintf("%s.QueryPartition(%s)", r.name, partition))
	if profile != nil {
		for k := range values {
			profile.FilterFields = append(profile.FilterFields, k)
		}
	}

	ids, err := r.partitions.ListPartition(ctx, partition, values)
	if err != nil {
		if profile != nil {
			profile.Complexity = ComplexityON
			profile.FallbackPath = true
			profile.Error = err
		}
		profiler.Record(profile)
		return nil, &UnsupportedQueryError{Resource: r.name, Reason: err.Error()}
	}

	if profile != nil {
		profile.Complexity = ComplexityO1
		profile.IndexUsed = fmt.Sprintf("partition:%s", partition)
		profile.ResultCount = len(ids)
		profile.StorageOps = 1
	}
	profiler.Record(profile)
	return ids, nil
}

// RebuildPartitions performs an idempotent full reconciliation of every
// partition ref against the resource's current documents (spec.md §4.4).
func (r *Resource) RebuildPartitions(ctx context.Context) error {
	ids, err := r.List(ctx)
	if err != nil {
		return err
	}
	return r.partitions.RebuildPartitions(ctx, r.dataPrefix, func(id string) (map[string]interface{}, error) {
		return r.Get(ctx, id)
	}, ids)
}

// PartitionNames returns the resource's declared partition names.
func (r *Resource) PartitionNames() []string { return r.partitions.Names() }

// CheckPartitionHealth compares one partition's stored ref keys against
// the resource's current live ids, surfacing drift for a
// PartitionHealthMonitor tick or an on-demand repair run.
func (r *Resource) CheckPartitionHealth(ctx context.Context, partition string) (*PartitionHealthReport, error) {
	ids, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return r.partitions.CheckHealth(ctx, partition, ids)
}

// RepairPartition rewrites missing refs and deletes orphaned ones for one
// partition, per a report from CheckPartitionHealth.
func (r *Resource) RepairPartition(ctx context.Context, partition string, report *PartitionHealthReport) error {
	return r.partitions.Repair(ctx, partition, report, func(id string) (map[string]interface{}, error) {
		return r.Get(ctx, id)
	})
}

// Schema returns the resource's parsed schema (read-only use by callers
// such as the catalog writer).
func (r *Resource) Schema() *Schema { return r.schema }
