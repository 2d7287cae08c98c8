package s3db

import "fmt"

// Mapper translates between a resource's user-facing document shape
// (full field names, nested maps) and its compact wire shape (short field
// names, flattened where practical) for the given Schema version.
type Mapper struct {
	schema *Schema
}

// NewMapper builds a Mapper bound to one schema version.
func NewMapper(schema *Schema) *Mapper {
	return &Mapper{schema: schema}
}

// ToWire converts a user-shape document into its compact wire shape,
// substituting short field names and stamping the schema version.
func (m *Mapper) ToWire(doc map[string]interface{}) map[string]interface{} {
	wire := make(map[string]interface{}, len(doc)+1)
	for _, name := range m.schema.Order {
		attr := m.schema.Attributes[name]
		v, present := doc[name]
		if !present {
			if attr.HasDefault {
				wire[attr.Short] = attr.Default
			}
			continue
		}
		wire[attr.Short] = toWireValue(attr, v)
	}
	wire["_v"] = m.schema.Version
	return wire
}

func toWireValue(attr *Attribute, v interface{}) interface{} {
	if attr.Kind == KindObject && attr.Properties != nil {
		if obj, ok := v.(map[string]interface{}); ok {
			out := make(map[string]interface{}, len(obj))
			for pname, pv := range obj {
				if pattr, ok := attr.Properties[pname]; ok {
					out[pattr.Short] = toWireValue(pattr, pv)
					continue
				}
				out[pname] = pv
			}
			return out
		}
	}
	return v
}

// FromWire converts a wire-shape document (short names, version-stamped)
// back into the user-facing shape. The caller is responsible for first
// migrating the document to m.schema's version if `_v` doesn't match.
func (m *Mapper) FromWire(wire map[string]interface{}) map[string]interface{} {
	doc := make(map[string]interface{}, len(wire))
	for _, name := range m.schema.Order {
		attr := m.schema.Attributes[name]
		v, present := wire[attr.Short]
		if !present {
			continue
		}
		doc[name] = fromWireValue(attr, v)
	}
	return doc
}

func fromWireValue(attr *Attribute, v interface{}) interface{} {
	if attr.Kind == KindObject && attr.Properties != nil {
		if obj, ok := v.(map[string]interface{}); ok {
			byShort := make(map[string]*Attribute, len(attr.Properties))
			for _, pattr := range attr.Properties {
				byShort[pattr.Short] = pattr
			}
			out := make(map[string]interface{}, len(obj))
			for short, pv := range obj {
				if pattr, ok := byShort[short]; ok {
					out[pattr.Name] = fromWireValue(pattr, pv)
					continue
				}
				out[short] = pv
			}
			return out
		}
	}
	return v
}

// WireVersion extracts the `_v` schema-version hash from a raw wire
// document, the way the teacher's migration engine extracts an int version
// via reflection, but for this module's map-based wire representation.
func WireVersion(wire map[string]interface{}) (string, error) {
	raw, ok := wire["_v"]
	if !ok {
		return "", fmt.Errorf("wire document missing _v schema version")
	}
	v, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("_v field is not a string: %T", raw)
	}
	return v, nil
}
