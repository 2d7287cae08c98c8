package s3db

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Database is the Database Controller of spec.md §4.6: it owns the
// backend connection, the resource registry, the schema catalog, the
// plugin lifecycle, and the process-wide event bus and worker pool. It
// replaces the teacher's implicit Store-per-caller model with a single
// owning instance other collaborators receive by reference (the
// arena+index redesign flag in spec.md §9 — Resources hold a pointer back
// into their owning Database rather than the reverse, since a Database
// owns many Resources but a Resource belongs to exactly one Database).
type Database struct {
	mu     sync.RWMutex
	backend Backend
	prefix  string
	logger  Logger
	metrics Metrics
	events  *EventBus
	pool    *WorkerPool

	resources map[string]*Resource
	plugins   map[string]Plugin

	catalog     *Catalog
	catalogEtag string

	redis    *redis.Client // optional: backs the partition accelerator, uniqueness constraints, and id sequences
	cascades *CascadeManager
}

// Option configures a Database at Connect time.
type Option func(*Database)

// WithLogger overrides the default no-op Logger.
func WithLogger(l Logger) Option { return func(d *Database) { d.logger = l } }

// WithMetrics overrides the default no-op Metrics.
func WithMetrics(m Metrics) Option { return func(d *Database) { d.metrics = m } }

// WithWorkerPool overrides the default bounded async-partition worker
// pool (16 workers, 1024 queue depth per spec.md §5).
func WithWorkerPool(p *WorkerPool) Option { return func(d *Database) { d.pool = p } }

// WithRedisClient attaches an optional Redis client that resources can opt
// into for a partition-read accelerator (ResourceConfig.Accelerated), a
// uniqueness constraint index (ResourceConfig.Unique), an id sequence
// (ResourceConfig.IDSequence), and the distributed soft lock. Without this
// option every one of those features falls back to its storage-backed
// equivalent.
func WithRedisClient(c *redis.Client) Option { return func(d *Database) { d.redis = c } }

// RedisClient returns the database's optional Redis client, or nil.
func (db *Database) RedisClient() *redis.Client { return db.redis }

// Connect performs the sequence spec.md §4.6 names: parse the connection
// string, verify the backend is reachable, load (or create) the catalog,
// and bring up the event bus and worker pool. It does not yet reconstruct
// Resources — callers re-declare them via CreateResource, which attaches
// to any existing catalog history for that resource name.
func Connect(ctx context.Context, connStr string, opts ...Option) (*Database, error) {
	info, err := ParseConnectionString(connStr)
	if err != nil {
		return nil, err
	}
	backend, prefix, err := BuildBackend(ctx, info)
	if err != nil {
		return nil, err
	}
	return ConnectBackend(ctx, backend, prefix, opts...)
}

// ConnectBackend brings up a Database over an already-constructed Backend,
// for callers that built their own (encrypted, Redis-locked, compressing,
// ...) backend rather than going through a connection string.
func ConnectBackend(ctx context.Context, backend Backend, prefix string, opts ...Option) (*Database, error) {
	db := &Database{
		backend:   backend,
		prefix:    prefix,
		logger:    &NoOpLogger{},
		metrics:   &NoOpMetrics{},
		resources: make(map[string]*Resource),
		plugins:   make(map[string]Plugin),
	}
	for _, opt := range opts {
		opt(db)
	}
	if db.pool == nil {
		db.pool = NewWorkerPool(16, 1024, db.logger, db.metrics)
	}
	db.events = NewEventBus(db.logger, db.metrics)
	db.cascades = NewCascadeManager(db)

	if err := backend.Ping(ctx); err != nil {
		return nil, &ConnectionError{Op: "connect", Reason: err.Error()}
	}

	cat, etag, err := loadCatalog(ctx, backend, prefix)
	if err != nil {
		return nil, err
	}
	db.catalog = cat
	db.catalogEtag = etag

	db.logger.Info("database connected", "prefix", prefix, "resources", len(cat.Resources))
	return db, nil
}

// Disconnect stops scheduled/async work and releases the backend, matching
// spec.md §4.6's "stop scheduled jobs -> drain async partition workers ->
// close storage client -> release process-wide handlers".
func (db *Database) Disconnect(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, p := range db.pluginsInOrderLocked() {
		if err := p.Shutdown(ctx); err != nil {
			db.logger.Warn("plugin shutdown failed", "plugin", p.Name(), "error", err)
		}
	}
	db.pool.Close()
	db.events.Close()
	return db.backend.Close()
}

func (db *Database) pluginsInOrderLocked() []Plugin {
	list := make([]Plugin, 0, len(db.plugins))
	for _, p := range db.plugins {
		list = append(list, p)
	}
	return list
}

// Events returns the process-wide event bus (spec.md §6's typed events).
func (db *Database) Events() *EventBus { return db.events }

// CreateResource declares and registers a resource, persisting its schema
// version into the catalog. Declaring the same resource name twice with an
// identical schema is a no-op on the catalog (recordSchemaVersion dedupes
// by version hash); declaring it with a changed schema creates a new
// version and advances CurrentVersion, leaving old documents readable via
// their own stored `_v` (spec.md §3's version-monotonicity invariant).
func (db *Database) CreateResource(ctx context.Context, cfg ResourceConfig) (*Resource, error) {
	if cfg.Name == "" {
		return nil, &ValidationError{Resource: "database", Field: "name", Reason: "resource name is required"}
	}

	res, err := newResource(db, cfg, db.pool)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.persistSchemaLocked(ctx, cfg.Name, res.schema, res.behavior.Name(), cfg.Partitions); err != nil {
		return nil, err
	}
	db.resources[cfg.Name] = res

	if len(cfg.Cascades) > 0 {
		for _, spec := range cfg.Cascades {
			if err := ValidateCascadeSpec(spec); err != nil {
				return nil, &ValidationError{Resource: cfg.Name, Field: "cascades", Reason: err.Error()}
			}
		}
		db.cascades.RegisterChain(cfg.Name, cfg.Cascades)
		if err := DetectCircularCascade(db.cascades.cascades); err != nil {
			return nil, &ValidationError{Resource: cfg.Name, Field: "cascades", Reason: err.Error()}
		}
	}
	return res, nil
}

// UpgradeSchema re-declares a resource under a new ResourceConfig, writing
// a new SchemaVersion to the catalog while the old version remains in the
// catalog's history for documents still tagged with it, per the schema
// upgrade coexistence scenario in spec.md §8.D.
func (db *Database) UpgradeSchema(ctx context.Context, name string, cfg ResourceConfig) (*Resource, error) {
	cfg.Name = name
	return db.CreateResource(ctx, cfg)
}

func (db *Database) persistSchemaLocked(ctx context.Context, name string, schema *Schema, behavior string, partitions []PartitionDef) error {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cat, etag, err := loadCatalog(ctx, db.backend, db.prefix)
		if err != nil {
			return err
		}
		cat.recordSchemaVersion(name, schema, behavior, partitions)

		newEtag, err := saveCatalog(ctx, db.backend, db.prefix, cat, etag)
		if err != nil {
			if IsConflict(err) {
				continue
			}
			return &ConnectionError{Op: "save catalog", Reason: err.Error()}
		}
		db.catalog = cat
		db.catalogEtag = newEtag
		return nil
	}
	return &ConflictError{Resource: "catalog", ID: name, Expected: db.catalogEtag, Actual: "concurrent update"}
}

// GetResource returns a registered resource by name, or false if none has
// been declared in this process (the catalog may still remember its
// schema history even if the process hasn't re-declared it yet).
func (db *Database) GetResource(name string) (*Resource, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	r, ok := db.resources[name]
	return r, ok
}

// MustResource is a convenience for callers (tests, plugins) that know the
// resource was already declared.
func (db *Database) MustResource(name string) *Resource {
	r, ok := db.GetResource(name)
	if !ok {
		panic(fmt.Sprintf("s3db: resource %q not registered", name))
	}
	return r
}

// ListResources returns every currently-registered resource name.
func (db *Database) ListResources() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.resources))
	for name := range db.resources {
		names = append(names, name)
	}
	return names
}

// GetCatalog returns a snapshot of the current schema catalog.
func (db *Database) GetCatalog() *Catalog {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.catalog
}

// UsePlugin validates the dependency DAG across the new plugins plus any
// already registered, then runs Init on each in topological order. It
// returns after every plugin's Init has completed, per spec.md §4.6.
func (db *Database) UsePlugin(ctx context.Context, plugins ...Plugin) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	all := db.pluginsInOrderLocked()
	existing := make(map[string]bool, len(all))
	for _, p := range all {
		existing[p.Name()] = true
	}

	var fresh []Plugin
	for _, p := range plugins {
		if existing[p.Name()] {
			continue
		}
		all = append(all, p)
		fresh = append(fresh, p)
	}

	order, err := pluginGraph(all)
	if err != nil {
		return err
	}

	for _, p := range order {
		if !isFresh(fresh, p) {
			continue
		}
		if err := p.Init(ctx, db); err != nil {
			return &ValidationError{Resource: "plugin", Field: p.Name(), Reason: err.Error()}
		}
		db.plugins[p.Name()] = p
	}
	return nil
}

func isFresh(fresh []Plugin, p Plugin) bool {
	for _, f := range fresh {
		if f.Name() == p.Name() {
			return true
		}
	}
	return false
}

// Backend exposes the underlying Storage Client for collaborators that
// need raw access (plugins, admin tooling) without going through a
// Resource.
func (db *Database) Backend() Backend { return db.backend }

// Prefix returns the database's key prefix.
func (db *Database) Prefix() string { return db.prefix }

// Logger returns the database's configured Logger.
func (db *Database) Logger() Logger { return db.logger }

// Metrics returns the database's configured Metrics collector.
func (db *Database) Metrics() Metrics { return db.metrics }
