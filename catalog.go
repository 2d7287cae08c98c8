package s3db

import (
	"context"
	"encoding/json"
	"time"
)

// CatalogVersion is one immutable schema version record for a resource, as
// laid out in spec.md §6's `s3db.json` schema.
type CatalogVersion struct {
	Attributes map[string]string `json:"attributes"`
	Behavior   string            `json:"behavior"`
	Partitions []PartitionDef    `json:"partitions"`
	NameMap    map[string]string `json:"nameMap"`
	CreatedAt  string            `json:"createdAt"`
}

// CatalogResource tracks one resource's current schema version plus its
// full version history, so old documents remain readable via the version
// recorded in their own `_v` metadata.
type CatalogResource struct {
	CurrentVersion string                    `json:"currentVersion"`
	Versions       map[string]*CatalogVersion `json:"versions"`
}

// Catalog is the single JSON object at `<prefix>/s3db.json` that the
// Database Controller reads on connect and rewrites on every schema
// change (spec.md §4.6, §6).
type Catalog struct {
	Version   int                          `json:"version"`
	Resources map[string]*CatalogResource `json:"resources"`
}

func newCatalog() *Catalog {
	return &Catalog{Version: 1, Resources: make(map[string]*CatalogResource)}
}

func catalogKey(prefix string) string {
	if prefix == "" {
		return "s3db.json"
	}
	return prefix + "/s3db.json"
}

// loadCatalog reads the catalog object, creating a fresh empty one (with
// an empty etag, meaning "not yet written") if none exists.
func loadCatalog(ctx context.Context, backend Backend, prefix string) (*Catalog, string, error) {
	data, etag, err := backend.GetWithETag(ctx, catalogKey(prefix))
	if err != nil {
		if IsNotFound(err) {
			return newCatalog(), "", nil
		}
		return nil, "", &ConnectionError{Op: "load catalog", Reason: err.Error()}
	}
	cat := newCatalog()
	if err := json.Unmarshal(data, cat); err != nil {
		return nil, "", &ConnectionError{Op: "load catalog", Reason: err.Error()}
	}
	if cat.Resources == nil {
		cat.Resources = make(map[string]*CatalogResource)
	}
	return cat, etag, nil
}

// saveCatalog writes the catalog with an etag-checked compare-and-swap,
// matching spec.md §4.6's "rewritten atomically by read-modify-write with
// a lock; concurrent writers resolve via optimistic retry using etag".
func saveCatalog(ctx context.Context, backend Backend, prefix string, cat *Catalog, etag string) (string, error) {
	data, err := json.Marshal(cat)
	if err != nil {
		return "", err
	}
	newEtag, err := backend.PutIfMatch(ctx, catalogKey(prefix), data, etag)
	if err != nil {
		return "", err
	}
	return newEtag, nil
}

// recordSchemaVersion adds or replaces the version history entry for a
// resource's current schema and advances CurrentVersion to it. It is a
// pure mutation of the in-memory catalog; callers persist via saveCatalog
// under the Database's catalog lock.
func (c *Catalog) recordSchemaVersion(resource string, schema *Schema, behavior string, partitions []PartitionDef) {
	entry, ok := c.Resources[resource]
	if !ok {
		entry = &CatalogResource{Versions: make(map[string]*CatalogVersion)}
		c.Resources[resource] = entry
	}
	if entry.Versions == nil {
		entry.Versions = make(map[string]*CatalogVersion)
	}
	if _, exists := entry.Versions[schema.Version]; !exists {
		nameMap := make(map[string]string, len(schema.Attributes))
		attrDSL := make(map[string]string, len(schema.Attributes))
		for name, attr := range schema.Attributes {
			nameMap[name] = attr.Short
			attrDSL[name] = dslOf(attr)
		}
		entry.Versions[schema.Version] = &CatalogVersion{
			Attributes: attrDSL,
			Behavior:   behavior,
			Partitions: partitions,
			NameMap:    nameMap,
			CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		}
	}
	entry.CurrentVersion = schema.Version
}

// dslOf reconstructs an approximate DSL string for an already-parsed
// Attribute, good enough for the catalog's human-readable audit trail (the
// authoritative source of truth for validation remains the Schema built
// fresh from ResourceConfig at CreateResource/UpgradeSchema time).
func dslOf(attr *Attribute) string {
	s := string(attr.Kind)
	if attr.Required {
		s += "|required"
	}
	if attr.HasDefault {
		s += "|default:" + attr.Default
	}
	return s
}
