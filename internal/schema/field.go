// Package schema converts between flat structured records and the live CRDT
// field map, following a per-collection field description.
package schema

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Kind enumerates supported field kinds.
type Kind string

const (
	// KindString is a plain text field.
	KindString Kind = "string"
	// KindNumber is a numeric field.
	KindNumber Kind = "number"
	// KindBoolean is a true/false field.
	KindBoolean Kind = "boolean"
	// KindJSON is an arbitrary JSON value.
	KindJSON Kind = "json"
	// KindReference points at one or more items of another collection and is
	// embedded in denormalized form.
	KindReference Kind = "reference"
)

// PrivatePrefix marks fields that are never hydrated, extracted, or diffed.
const PrivatePrefix = "_"

// Field describes one schema field.
type Field struct {
	Name    string `mapstructure:"name"`
	Kind    Kind   `mapstructure:"kind"`
	Target  string `mapstructure:"target"`
	Label   string `mapstructure:"label"`
	Many    bool   `mapstructure:"many"`
	Private bool   `mapstructure:"private"`
}

// IsReference reports whether the field embeds a cross-collection reference.
func (f Field) IsReference() bool {
	return f.Kind == KindReference
}

// IsPrivate reports whether the field is excluded from marshalling.
func (f Field) IsPrivate() bool {
	return f.Private || strings.HasPrefix(f.Name, PrivatePrefix)
}

// Fields is an ordered field list.
type Fields []Field

// Lookup returns the field with the given name.
func (f Fields) Lookup(name string) (Field, bool) {
	for _, field := range f {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

// Names returns the field names in order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for _, field := range f {
		names = append(names, field.Name)
	}
	return names
}

// Subset keeps the fields named by paths. A path matches a field when it equals
// the field name or addresses a nested value inside it ("meta.title" → "meta").
func (f Fields) Subset(paths []string) Fields {
	subset := make(Fields, 0, len(paths))
	for _, field := range f {
		for _, path := range paths {
			if path == field.Name || strings.HasPrefix(path, field.Name+".") {
				subset = append(subset, field)
				break
			}
		}
	}
	return subset
}

// References keeps only reference fields.
func (f Fields) References() Fields {
	refs := make(Fields, 0)
	for _, field := range f {
		if field.IsReference() && !field.IsPrivate() {
			refs = append(refs, field)
		}
	}
	return refs
}

// Merge appends extension fields whose names are not already present.
func (f Fields) Merge(extensions ...Fields) Fields {
	merged := make(Fields, 0, len(f))
	seen := make(map[string]struct{}, len(f))
	for _, field := range f {
		if _, ok := seen[field.Name]; ok {
			continue
		}
		seen[field.Name] = struct{}{}
		merged = append(merged, field)
	}
	for _, extension := range extensions {
		for _, field := range extension {
			if _, ok := seen[field.Name]; ok {
				continue
			}
			seen[field.Name] = struct{}{}
			merged = append(merged, field)
		}
	}
	return merged
}

// Normalize round-trips a value through JSON so values read from the database
// and from the CRDT structure share one representation (float64 numbers,
// map[string]any objects, []any arrays).
func Normalize(value any) any {
	if value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return value
	}
	return normalized
}

// NormalizeRecord normalizes every value of a record.
func NormalizeRecord(record map[string]any) map[string]any {
	normalized := make(map[string]any, len(record))
	for key, value := range record {
		normalized[key] = Normalize(value)
	}
	return normalized
}

// Equal compares two values after normalization.
func Equal(left, right any) bool {
	return reflect.DeepEqual(Normalize(left), Normalize(right))
}
