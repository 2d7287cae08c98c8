// Package s3db turns an object store (S3, GCS, MinIO, the local filesystem,
// or an in-process map) into a schema-aware document database, offering
// S3-class durability and cost without running a database server.
//
// # Overview
//
// s3db splits every document into a small metadata object (queried and
// listed cheaply) and an optional body object (the bulk of the payload),
// using one of five Behaviors to decide where each field lands. A Schema
// Engine DSL describes a resource's fields, validates and migrates
// documents as their schema evolves, and maps between a user-facing shape
// and a compact wire shape. A Partition Manager maintains ref keys so a
// resource can be queried by field combinations without scanning every
// object. The Resource Engine composes schema, behavior, and partitions
// into CRUD/query operations; the Database Controller owns the backend
// connection, the schema catalog, the plugin lifecycle, and the
// process-wide event bus.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, err := s3db.Connect(ctx, "memory://myapp/data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Disconnect(ctx)
//
//	users, err := db.CreateResource(ctx, s3db.ResourceConfig{
//	    Name:        "users",
//	    SchemaOrder: []string{"email", "name"},
//	    SchemaDef: map[string]string{
//	        "email": "string|required",
//	        "name":  "string",
//	    },
//	})
//
//	id, err := users.Insert(ctx, map[string]interface{}{
//	    "email": "alice@example.com",
//	    "name":  "Alice",
//	})
//
//	doc, err := users.Get(ctx, id)
//
// Production setup against S3, with structured logging and Prometheus
// metrics:
//
//	db, err := s3db.Connect(ctx, os.Getenv("S3DB_URL"),
//	    s3db.WithLogger(zapLogger),
//	    s3db.WithMetrics(promMetrics),
//	)
//
// # Core Concepts
//
// Backend: the Storage Client abstraction (Put/Get/Delete/Exists/metadata
// CAS/List/streaming) implemented by S3Backend, GCSBackend, MinIOBackend,
// FilesystemBackend, and MemoryBackend. Every higher layer is written
// against this interface so swapping stores never touches resource code.
//
// Behavior: the pure Split/Join pair (UserManaged, EnforceLimits,
// TruncateData, BodyOverflow, BodyOnly) that decides which fields live in
// the cheaply-listable metadata object versus the body object.
//
// Schema: a resource's field definitions, parsed from a pipe-delimited DSL
// ("string|required|minlength:3") into a version-hashed Schema tree, plus
// the Mapper that translates between user-shape and wire-shape documents.
//
// Partition: a named, field-keyed set of ref keys a Resource maintains so
// QueryPartition can answer "which ids have field X = Y" without a full
// scan. Writes can be synchronous or handed to a bounded worker pool.
//
// Resource: the per-collection CRUD/query/stream API, wrapping a Schema,
// Behavior, and set of Partitions over one Database's Backend.
//
// Database: the top-level handle — one Backend connection, one schema
// catalog, the registered Resources, plugins, and the event bus.
//
// # Schema Versioning and Migrations
//
// Declaring a resource with a changed schema advances the catalog's
// CurrentVersion while keeping the prior version's definition around, so
// documents written under the old schema keep reading correctly:
//
//	widgets, _ := db.CreateResource(ctx, s3db.ResourceConfig{
//	    Name:        "widgets",
//	    SchemaOrder: []string{"name"},
//	    SchemaDef:   map[string]string{"name": "string"},
//	})
//
//	// Later, add a required field and register the migration:
//	s3db.Migrate("widgets").
//	    From(widgets.Schema().Version).To(newHash).
//	    AddField("sku", "unknown")
//
//	widgets, _ = db.UpgradeSchema(ctx, "widgets", s3db.ResourceConfig{
//	    SchemaOrder: []string{"name", "sku"},
//	    SchemaDef: map[string]string{
//	        "name": "string",
//	        "sku":  "string|required",
//	    },
//	})
//
//	// Reading an old document transparently migrates it to the current
//	// schema version before returning it.
//	doc, _ := widgets.Get(ctx, oldID)
//
// # Querying
//
// Partition-backed lookups are the primary query path:
//
//	ids, err := orders.QueryPartition(ctx, "by_tenant_status",
//	    map[string]string{"tenant": "acme", "status": "open"})
//
// QueryPartition returns an UnsupportedQueryError if the named partition
// was never declared; attach a QueryProfiler via WithProfiler to record
// whether a given lookup resolved in O(1) against a partition or fell
// back to a full scan.
//
// The package-level PutJSON and GetJSON helpers (helpers.go) give raw
// JSON-at-a-key access to the same Backend without declaring a Resource —
// useful for scripts, migrations, and admin tooling, but no Resource
// Engine operation routes through them.
//
// # Concurrency and Locking
//
// Resource operations serialize on the document id using in-process
// striped locks. Multi-process deployments add a storage-backed
// StorageLock (an object CAS lease) or, where Redis is available, a faster
// DistributedLock. Plugins observe lifecycle events through a typed,
// non-blocking EventBus rather than callbacks or global state.
//
// # Plugins
//
//	err := db.UsePlugin(ctx, auditPlugin, metricsPlugin)
//
// Plugins declare Requires() by name; UsePlugin validates the dependency
// graph and runs Init in topological order before returning.
//
// # Storage Backends
//
// Filesystem (development):
//
//	db, err := s3db.Connect(ctx, "file:///var/data/myapp")
//
// S3 (production):
//
//	db, err := s3db.Connect(ctx, "s3://key:secret@my-bucket/myapp?region=us-east-1")
//
// In-memory (tests):
//
//	db, err := s3db.Connect(ctx, "memory://myapp/data")
//
// Google Cloud Storage and MinIO are reachable by constructing a
// GCSBackend or MinIOBackend directly and passing it to ConnectBackend.
//
// # When to Use s3db
//
// Good fits: configuration storage, content management, order/invoice
// records, metadata catalogs, audit/event logs — anything where documents
// are looked up by id or by a handful of known field combinations.
//
// Not a fit: ad hoc multi-field query planning, real-time aggregation,
// strict cross-document ACID transactions, full-text or graph search.
package s3db
