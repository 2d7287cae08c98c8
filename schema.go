package s3db

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// AttributeKind is the base type of a schema attribute, as named in the
// compact DSL's first pipe-delimited token.
type AttributeKind string

const (
	KindString  AttributeKind = "string"
	KindNumber  AttributeKind = "number"
	KindBoolean AttributeKind = "boolean"
	KindObject  AttributeKind = "object"
	KindArray   AttributeKind = "array"
	KindSecret  AttributeKind = "secret"
)

// Attribute is one parsed field of a schema: its kind plus the modifiers
// that follow it in the DSL string (`string|required|minlength:3`).
type Attribute struct {
	Name       string
	Kind       AttributeKind
	Required   bool
	Default    string
	HasDefault bool
	MinLength  int
	MaxLength  int
	Min        float64
	Max        float64
	HasMin     bool
	HasMax     bool
	Pattern    string
	Short      string // compact wire name, e.g. "nm" for "name"
	Items      *Attribute
	Properties map[string]*Attribute // for KindObject, ordered via PropertyOrder
	PropertyOrder []string
}

// Schema is a parsed, versioned attribute tree for one resource.
type Schema struct {
	Resource   string
	Attributes map[string]*Attribute
	Order      []string
	Version    string // sha256-derived hash, truncated to 16 hex chars
}

// ParseSchema parses a map of field name -> DSL string into a Schema and
// computes its version hash. Order of fields in `def` (a map) isn't stable
// in Go, so callers that care about wire-order should use ParseSchemaOrdered.
func ParseSchema(resource string, def map[string]string) (*Schema, error) {
	names := make([]string, 0, len(def))
	for name := range def {
		names = append(names, name)
	}
	sort.Strings(names)
	return ParseSchemaOrdered(resource, names, def)
}

// ParseSchemaOrdered parses fields in the given order, which becomes both
// the wire-encoding order and an input to the version hash.
func ParseSchemaOrdered(resource string, order []string, def map[string]string) (*Schema, error) {
	s := &Schema{
		Resource:   resource,
		Attributes: make(map[string]*Attribute, len(def)),
		Order:      append([]string(nil), order...),
	}
	shortCounter := 0
	for _, name := range order {
		dsl, ok := def[name]
		if !ok {
			return nil, &ValidationError{Resource: resource, Field: name, Reason: "declared in order but missing from definition"}
		}
		attr, err := parseAttribute(name, dsl)
		if err != nil {
			return nil, &ValidationError{Resource: resource, Field: name, Reason: err.Error()}
		}
		if attr.Short == "" {
			attr.Short = shortName(shortCounter)
			shortCounter++
		}
		s.Attributes[name] = attr
	}
	s.Version = hashSchema(s)
	return s, nil
}

// shortName produces compact base-26 wire names: a, b, ..., z, aa, ab, ...
func shortName(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	if i < 26 {
		return string(letters[i])
	}
	return shortName(i/26-1) + string(letters[i%26])
}

// parseAttribute tokenizes one pipe-delimited DSL string. The first token
// is the kind; remaining tokens are modifiers, optionally `name:value`.
func parseAttribute(name, dsl string) (*Attribute, error) {
	tokens := strings.Split(dsl, "|")
	if len(tokens) == 0 || tokens[0] == "" {
		return nil, fmt.Errorf("empty attribute definition")
	}

	attr := &Attribute{Name: name, Kind: AttributeKind(strings.TrimSpace(tokens[0]))}
	switch attr.Kind {
	case KindString, KindNumber, KindBoolean, KindObject, KindArray, KindSecret:
	default:
		return nil, fmt.Errorf("unknown attribute kind %q", attr.Kind)
	}

	for _, tok := range tokens[1:] {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, val, hasVal := strings.Cut(tok, ":")
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch key {
		case "required":
			attr.Required = true
		case "default":
			attr.Default = val
			attr.HasDefault = hasVal
		case "minlength":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("minlength: %w", err)
			}
			attr.MinLength = n
		case "maxlength":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("maxlength: %w", err)
			}
			attr.MaxLength = n
		case "min":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("min: %w", err)
			}
			attr.Min, attr.HasMin = f, true
		case "max":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("max: %w", err)
			}
			attr.Max, attr.HasMax = f, true
		case "pattern":
			attr.Pattern = val
		case "short":
			attr.Short = val
		default:
			return nil, fmt.Errorf("unknown modifier %q", key)
		}
	}
	return attr, nil
}

// hashSchema computes a stable, order-dependent version hash over the
// attribute tree's canonical text form, truncated to 16 hex chars for
// compactness in the `_v` wire field.
func hashSchema(s *Schema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "resource=%s\n", s.Resource)
	for _, name := range s.Order {
		attr := s.Attributes[name]
		fmt.Fprintf(&b, "%s:%s:req=%v:def=%s:min=%v:max=%v:minlen=%d:maxlen=%d:pattern=%s:short=%s\n",
			name, attr.Kind, attr.Required, attr.Default, attr.Min, attr.Max,
			attr.MinLength, attr.MaxLength, attr.Pattern, attr.Short)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// Validate checks a decoded document (user shape, map[string]interface{})
// against the schema's required/type/length/range/pattern rules.
func (s *Schema) Validate(doc map[string]interface{}) error {
	for _, name := range s.Order {
		attr := s.Attributes[name]
		v, present := doc[name]
		if !present || v == nil {
			if attr.Required && !attr.HasDefault {
				return &ValidationError{Resource: s.Resource, Field: name, Reason: "required field missing"}
			}
			continue
		}
		if err := attr.validateValue(v); err != nil {
			return &ValidationError{Resource: s.Resource, Field: name, Reason: err.Error()}
		}
	}
	return nil
}

func (a *Attribute) validateValue(v interface{}) error {
	switch a.Kind {
	case KindString, KindSecret:
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if a.MinLength > 0 && len(str) < a.MinLength {
			return fmt.Errorf("length %d below minlength %d", len(str), a.MinLength)
		}
		if a.MaxLength > 0 && len(str) > a.MaxLength {
			return fmt.Errorf("length %d exceeds maxlength %d", len(str), a.MaxLength)
		}
	case KindNumber:
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("expected number, got %T", v)
		}
		if a.HasMin && f < a.Min {
			return fmt.Errorf("value %v below min %v", f, a.Min)
		}
		if a.HasMax && f > a.Max {
			return fmt.Errorf("value %v exceeds max %v", f, a.Max)
		}
	case KindBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	case KindObject:
		obj, ok := v.(map[string]interface{})
		if !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
		for pname, pattr := range a.Properties {
			pv, present := obj[pname]
			if !present {
				if pattr.Required {
					return fmt.Errorf("nested field %q required", pname)
				}
				continue
			}
			if err := pattr.validateValue(pv); err != nil {
				return fmt.Errorf("nested field %q: %w", pname, err)
			}
		}
	case KindArray:
		arr, ok := v.([]interface{})
		if !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
		if a.Items != nil {
			for i, item := range arr {
				if err := a.Items.validateValue(item); err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
			}
		}
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
