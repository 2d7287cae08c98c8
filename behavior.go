package s3db

import (
	"encoding/json"
	"strings"
)

// Behavior decides how a validated, wire-encoded document is split between
// object metadata (small, queryable, size-bounded) and object body (large,
// opaque). Behaviors are pure functions: given a wire document and a
// schema, they return the metadata map and body bytes to store — no I/O.
//
// Reserved system keys (those starting with "_": _v, _id, _c, _u, _d, _b,
// _o) always land in metadata regardless of policy — spec.md §6 requires
// every behavior, including body-only, to keep them readable without
// fetching the body.
type Behavior interface {
	Name() string
	Split(schema *Schema, wire map[string]interface{}) (meta map[string]string, body []byte, err error)
	Join(schema *Schema, meta map[string]string, body []byte) (wire map[string]interface{}, err error)
}

// extractReserved pulls every "_"-prefixed system key out of wire into a
// stringified metadata map, leaving the declared user fields in rest.
func extractReserved(wire map[string]interface{}) (reserved map[string]string, rest map[string]interface{}) {
	reserved = make(map[string]string)
	rest = make(map[string]interface{}, len(wire))
	for k, v := range wire {
		if strings.HasPrefix(k, "_") {
			reserved[k] = stringify(v)
			continue
		}
		rest[k] = v
	}
	return reserved, rest
}

func mergeMeta(reserved, extra map[string]string) map[string]string {
	meta := make(map[string]string, len(reserved)+len(extra))
	for k, v := range reserved {
		meta[k] = v
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

// UserManagedBehavior stores exactly the fields the caller puts in
// metaFields as object metadata, and the rest of the document as body.
// The caller — not the engine — decides the split, hence "user-managed".
type UserManagedBehavior struct {
	MetaFields []string
}

func (b *UserManagedBehavior) Name() string { return "user-managed" }

func (b *UserManagedBehavior) Split(schema *Schema, wire map[string]interface{}) (map[string]string, []byte, error) {
	reserved, rest := extractReserved(wire)
	fieldMeta := make(map[string]string, len(b.MetaFields))
	body := make(map[string]interface{}, len(rest))
	metaSet := make(map[string]bool, len(b.MetaFields))
	for _, f := range b.MetaFields {
		metaSet[f] = true
	}
	for k, v := range rest {
		if metaSet[k] {
			fieldMeta[k] = stringify(v)
			continue
		}
		body[k] = v
	}
	meta := mergeMeta(reserved, fieldMeta)
	if err := ValidateMetadataSize(meta); err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}
	return meta, raw, nil
}

func (b *UserManagedBehavior) Join(schema *Schema, meta map[string]string, body []byte) (map[string]interface{}, error) {
	return joinBodyAndMeta(body, meta)
}

// EnforceLimitsBehavior refuses the write outright when the declared
// metadata fields would exceed MaxMetadataBytes, rather than silently
// truncating or overflowing to body.
type EnforceLimitsBehavior struct {
	MetaFields []string
}

func (b *EnforceLimitsBehavior) Name() string { return "enforce-limits" }

func (b *EnforceLimitsBehavior) Split(schema *Schema, wire map[string]interface{}) (map[string]string, []byte, error) {
	um := &UserManagedBehavior{MetaFields: b.MetaFields}
	return um.Split(schema, wire)
}

func (b *EnforceLimitsBehavior) Join(schema *Schema, meta map[string]string, body []byte) (map[string]interface{}, error) {
	return joinBodyAndMeta(body, meta)
}

// TruncateDataBehavior truncates oversized metadata string values to fit
// the budget instead of failing the write.
type TruncateDataBehavior struct {
	MetaFields []string
}

func (b *TruncateDataBehavior) Name() string { return "truncate-data" }

func (b *TruncateDataBehavior) Split(schema *Schema, wire map[string]interface{}) (map[string]string, []byte, error) {
	reserved, rest := extractReserved(wire)
	fieldMeta := make(map[string]string, len(b.MetaFields))
	body := make(map[string]interface{}, len(rest))
	metaSet := make(map[string]bool, len(b.MetaFields))
	for _, f := range b.MetaFields {
		metaSet[f] = true
	}
	for k, v := range rest {
		if metaSet[k] {
			fieldMeta[k] = stringify(v)
			continue
		}
		body[k] = v
	}
	for MetadataSize(mergeMeta(reserved, fieldMeta)) > MaxMetadataBytes && len(fieldMeta) > 0 {
		truncateLargestValue(fieldMeta)
	}
	meta := mergeMeta(reserved, fieldMeta)
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}
	return meta, raw, nil
}

func (b *TruncateDataBehavior) Join(schema *Schema, meta map[string]string, body []byte) (map[string]interface{}, error) {
	return joinBodyAndMeta(body, meta)
}

// BodyOverflowBehavior puts declared fields in metadata until the budget
// is reached, then spills the remainder into the body instead of failing
// or truncating. Sets the reserved "_o" marker when any field overflowed.
type BodyOverflowBehavior struct {
	MetaFields []string
}

func (b *BodyOverflowBehavior) Name() string { return "body-overflow" }

func (b *BodyOverflowBehavior) Split(schema *Schema, wire map[string]interface{}) (map[string]string, []byte, error) {
	reserved, rest := extractReserved(wire)
	fieldMeta := make(map[string]string)
	body := make(map[string]interface{}, len(rest))
	metaSet := make(map[string]bool, len(b.MetaFields))
	for _, f := range b.MetaFields {
		metaSet[f] = true
	}
	budget := mergeMeta(reserved, nil)
	for k, v := range rest {
		if !metaSet[k] {
			body[k] = v
			continue
		}
		sv := stringify(v)
		candidate := make(map[string]string, len(budget)+1)
		for mk, mv := range budget {
			candidate[mk] = mv
		}
		candidate[k] = sv
		if MetadataSize(candidate) <= MaxMetadataBytes {
			budget = candidate
			fieldMeta[k] = sv
		} else {
			body[k] = v
		}
	}
	if len(body) > 0 {
		budget["_o"] = "1"
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}
	return budget, raw, nil
}

func (b *BodyOverflowBehavior) Join(schema *Schema, meta map[string]string, body []byte) (map[string]interface{}, error) {
	return joinBodyAndMeta(body, meta)
}

// BodyOnlyBehavior stores every declared field as a single JSON body,
// keeping object metadata limited to the reserved system keys (id, _v,
// timestamps) per spec.md §4.3's table — never the teacher's plain
// whole-JSON-body model, which kept no metadata at all.
type BodyOnlyBehavior struct{}

func (b *BodyOnlyBehavior) Name() string { return "body-only" }

func (b *BodyOnlyBehavior) Split(schema *Schema, wire map[string]interface{}) (map[string]string, []byte, error) {
	reserved, rest := extractReserved(wire)
	body, err := json.Marshal(rest)
	if err != nil {
		return nil, nil, err
	}
	return reserved, body, nil
}

func (b *BodyOnlyBehavior) Join(schema *Schema, meta map[string]string, body []byte) (map[string]interface{}, error) {
	return joinBodyAndMeta(body, meta)
}

func joinBodyAndMeta(body []byte, meta map[string]string) (map[string]interface{}, error) {
	wire := make(map[string]interface{})
	if len(body) > 0 {
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, err
		}
	}
	for k, v := range meta {
		if _, exists := wire[k]; !exists {
			wire[k] = v
		}
	}
	return wire, nil
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}

// truncateLargestValue shortens the longest metadata value by half; used
// iteratively by TruncateDataBehavior until the map fits the budget.
func truncateLargestValue(meta map[string]string) {
	var longestKey string
	longestLen := -1
	for k, v := range meta {
		if len(v) > longestLen {
			longestKey = k
			longestLen = len(v)
		}
	}
	if longestKey == "" {
		return
	}
	v := meta[longestKey]
	if len(v) <= 1 {
		delete(meta, longestKey)
		return
	}
	meta[longestKey] = v[:len(v)/2]
}
