package s3db

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// PartitionDef declares one named partition over a resource: an ordered
// list of fields whose values compose the ref key layout
// `<prefix>/resource=<name>/partition=<P>/<k1>=<v1>/.../id=<X>`.
type PartitionDef struct {
	Name   string
	Fields []string
	Async  bool // when true, ref writes go through the bounded worker pool
}

// PartitionManager computes ref keys, writes/reads partition refs, and
// reconciles them against the resource's primary data, generalizing the
// teacher's IndexManager write-then-reconcile shape onto storage-object
// refs instead of Redis sets.
type PartitionManager struct {
	backend    Backend
	resource   string
	prefix     string
	partitions map[string]PartitionDef
	pool       *WorkerPool
	accel      *RedisIndexer // optional O(1) read accelerator
	logger     Logger
	metrics    Metrics
}

// NewPartitionManager builds a manager for one resource's declared partitions.
func NewPartitionManager(backend Backend, prefix, resource string, defs []PartitionDef, pool *WorkerPool, logger Logger, metrics Metrics) *PartitionManager {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	m := make(map[string]PartitionDef, len(defs))
	for _, d := range defs {
		m[d.Name] = d
	}
	return &PartitionManager{
		backend:    backend,
		resource:   resource,
		prefix:     prefix,
		partitions: m,
		pool:       pool,
		logger:     logger,
		metrics:    metrics,
	}
}

// WithAccelerator wires an optional Redis-backed read-through cache in
// front of the storage-backed ref scan.
func (pm *PartitionManager) WithAccelerator(accel *RedisIndexer) *PartitionManager {
	pm.accel = accel
	return pm
}

// Names returns the declared partition names, for callers that need to
// iterate every partition without knowing them in advance (health checks).
func (pm *PartitionManager) Names() []string {
	names := make([]string, 0, len(pm.partitions))
	for name := range pm.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// refKey computes the ref key layout for one partition value combination.
func (pm *PartitionManager) refKey(partition string, values map[string]string, id string) (string, error) {
	def, ok := pm.partitions[partition]
	if !ok {
		return "", fmt.Errorf("undeclared partition %q", partition)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s/resource=%s/partition=%s", pm.prefix, pm.resource, partition)
	for _, field := range def.Fields {
		v, ok := values[field]
		if !ok {
			return "", fmt.Errorf("partition %q requires field %q", partition, field)
		}
		fmt.Fprintf(&b, "/%s=%s", field, v)
	}
	fmt.Fprintf(&b, "/id=%s", id)
	return b.String(), nil
}

// WriteRefs writes one ref object per declared partition for a document,
// deriving each partition's field values from the document itself.
// In sync mode (def.Async == false), a ref write failure is returned to
// the caller so the main write can be rolled back — unlike the teacher's
// IndexManager, which only logs and continues.
func (pm *PartitionManager) WriteRefs(ctx context.Context, id string, doc map[string]interface{}) error {
	var asyncDefs []PartitionDef
	for _, def := range pm.partitions {
		if def.Async {
			asyncDefs = append(asyncDefs, def)
			continue
		}
		if err := pm.writeOneRef(ctx, def, id, doc); err != nil {
			return &PartitionError{Resource: pm.resource, Partition: def.Name, ID: id, Reason: err.Error()}
		}
	}

	for _, def := range asyncDefs {
		def := def
		submit := func() error { return pm.writeOneRef(ctx, def, id, doc) }
		if pm.pool == nil || !pm.pool.Submit(submit) {
			// Queue full or no pool configured: degrade to synchronous.
			if pm.pool != nil {
				pm.metrics.Increment("partition.backpressure")
			}
			if err := submit(); err != nil {
				pm.logger.Warn("async partition ref write failed, marking dangling",
					"resource", pm.resource, "partition", def.Name, "id", id, "error", err)
				pm.metrics.Increment("partition.dangling")
			}
		}
	}
	return nil
}

func (pm *PartitionManager) writeOneRef(ctx context.Context, def PartitionDef, id string, doc map[string]interface{}) error {
	values := extractPartitionValues(def, doc)
	key, err := pm.refKey(def.Name, values, id)
	if err != nil {
		return err
	}
	if err := pm.backend.Put(ctx, key, []byte(id)); err != nil {
		return err
	}
	if pm.accel != nil {
		if err := pm.accel.Cache(ctx, pm.resource, def.Name, partitionCacheKey(values), id); err != nil {
			pm.logger.Warn("partition accelerator cache write failed", "resource", pm.resource, "partition", def.Name, "id", id, "error", err)
		}
	}
	return nil
}

// DeleteRefs removes every partition ref for a document, best-effort —
// callers doing a rollback ignore individual failures but log them.
func (pm *PartitionManager) DeleteRefs(ctx context.Context, id string, doc map[string]interface{}) {
	for _, def := range pm.partitions {
		values := extractPartitionValues(def, doc)
		key, err := pm.refKey(def.Name, values, id)
		if err != nil {
			continue
		}
		if err := pm.backend.Delete(ctx, key); err != nil && !IsNotFound(err) {
			pm.logger.Warn("partition ref delete failed", "resource", pm.resource, "partition", def.Name, "id", id, "error", err)
		}
		if pm.accel != nil {
			if err := pm.accel.Invalidate(ctx, pm.resource, def.Name, partitionCacheKey(values), id); err != nil {
				pm.logger.Warn("partition accelerator invalidate failed", "resource", pm.resource, "partition", def.Name, "id", id, "error", err)
			}
		}
	}
}

// ListPartition returns the ids referenced under one partition/value
// combination, preferring the Redis accelerator when wired and falling
// back to a storage-backed ref scan on miss or when Redis is unavailable.
func (pm *PartitionManager) ListPartition(ctx context.Context, partition string, values map[string]string) ([]string, error) {
	cacheKey := partitionCacheKey(values)
	if pm.accel != nil {
		if ids, err := pm.accel.Query(ctx, pm.resource, partition, cacheKey); err == nil && len(ids) > 0 {
			return ids, nil
		}
	}

	prefix, err := pm.partitionPrefix(partition, values)
	if err != nil {
		return nil, err
	}
	keys, err := pm.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, idFromRefKey(k))
	}
	sort.Strings(ids)

	if pm.accel != nil {
		for _, id := range ids {
			if err := pm.accel.Cache(ctx, pm.resource, partition, cacheKey, id); err != nil {
				pm.logger.Warn("partition accelerator cache warm failed", "resource", pm.resource, "partition", partition, "error", err)
				break
			}
		}
	}
	return ids, nil
}

func (pm *PartitionManager) partitionPrefix(partition string, values map[string]string) (string, error) {
	def, ok := pm.partitions[partition]
	if !ok {
		return "", fmt.Errorf("undeclared partition %q", partition)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s/resource=%s/partition=%s", pm.prefix, pm.resource, partition)
	for _, field := range def.Fields {
		v, ok := values[field]
		if !ok {
			break
		}
		fmt.Fprintf(&b, "/%s=%s", field, v)
	}
	return b.String(), nil
}

func idFromRefKey(key string) string {
	idx := strings.LastIndex(key, "/id=")
	if idx < 0 {
		return key
	}
	return key[idx+len("/id="):]
}

func extractPartitionValues(def PartitionDef, doc map[string]interface{}) map[string]string {
	values := make(map[string]string, len(def.Fields))
	for _, f := range def.Fields {
		if v, ok := doc[f]; ok {
			values[f] = stringify(v)
		}
	}
	return values
}

func partitionCacheKey(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s;", k, values[k])
	}
	return b.String()
}

// PartitionHealthReport summarizes one partition's ref-key drift against
// the resource's live document ids, the comparison PartitionHealthMonitor
// runs on a schedule and RepairPartitions runs on demand.
type PartitionHealthReport struct {
	Partition string
	Checked   int      // number of live ids checked
	Orphaned  []string // ref keys pointing at ids that no longer have a live document
	Missing   []string // live ids with no ref key under this partition
}

// Drifted reports whether the partition has any orphaned or missing refs.
func (r *PartitionHealthReport) Drifted() bool {
	return len(r.Orphaned) > 0 || len(r.Missing) > 0
}

// CheckHealth compares the ref keys actually stored for one partition
// against the supplied live ids, without touching the accelerator —
// healing Redis cache drift is Repair's job, not a side effect of a
// read-only check.
func (pm *PartitionManager) CheckHealth(ctx context.Context, partition string, ids []string) (*PartitionHealthReport, error) {
	if _, ok := pm.partitions[partition]; !ok {
		return nil, fmt.Errorf("undeclared partition %q", partition)
	}

	prefix := fmt.Sprintf("%s/resource=%s/partition=%s", pm.prefix, pm.resource, partition)
	keys, err := pm.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	refIDs := make(map[string]string, len(keys)) // id -> ref key
	for _, k := range keys {
		refIDs[idFromRefKey(k)] = k
	}

	liveIDs := make(map[string]bool, len(ids))
	for _, id := range ids {
		liveIDs[id] = true
	}

	report := &PartitionHealthReport{Partition: partition, Checked: len(ids)}
	for id, key := range refIDs {
		if !liveIDs[id] {
			report.Orphaned = append(report.Orphaned, key)
		}
	}
	for _, id := range ids {
		if _, ok := refIDs[id]; !ok {
			report.Missing = append(report.Missing, id)
		}
	}
	return report, nil
}

// Repair re-writes every ref key CheckHealth flagged as missing (loading
// each document's current value via load) and deletes every ref key
// flagged as orphaned, bringing the partition back in sync with live data.
func (pm *PartitionManager) Repair(ctx context.Context, partition string, report *PartitionHealthReport, load func(id string) (map[string]interface{}, error)) error {
	def, ok := pm.partitions[partition]
	if !ok {
		return fmt.Errorf("undeclared partition %q", partition)
	}

	for _, id := range report.Missing {
		doc, err := load(id)
		if err != nil {
			pm.logger.Warn("repair: failed to load missing document", "resource", pm.resource, "partition", partition, "id", id, "error", err)
			continue
		}
		if err := pm.writeOneRef(ctx, def, id, doc); err != nil {
			pm.logger.Warn("repair: failed to write ref", "resource", pm.resource, "partition", partition, "id", id, "error", err)
		}
	}

	for _, key := range report.Orphaned {
		if err := pm.backend.Delete(ctx, key); err != nil && !IsNotFound(err) {
			pm.logger.Warn("repair: failed to delete orphaned ref", "resource", pm.resource, "partition", partition, "key", key, "error", err)
		}
	}
	return nil
}

// RebuildPartitions performs an idempotent full reconciliation: it scans
// every document under the resource's data prefix and rewrites every
// declared partition's refs for it.
func (pm *PartitionManager) RebuildPartitions(ctx context.Context, dataPrefix string, load func(id string) (map[string]interface{}, error), ids []string) error {
	for _, id := range ids {
		doc, err := load(id)
		if err != nil {
			pm.logger.Warn("rebuild: failed to load document", "resource", pm.resource, "id", id, "error", err)
			continue
		}
		if err := pm.WriteRefs(ctx, id, doc); err != nil {
			pm.logger.Warn("rebuild: failed to write refs", "resource", pm.resource, "id", id, "error", err)
		}
	}
	return nil
}
