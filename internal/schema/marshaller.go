package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/crdt"
)

// ErrInvalidReference indicates a reference value that is neither an id nor a list of ids.
var ErrInvalidReference = errors.New("schema: invalid reference value")

// Reference is the denormalized form of a cross-collection reference stored in
// the live structure.
type Reference struct {
	ID    string `json:"id"`
	Label any    `json:"label,omitempty"`
}

// Resolver loads the current label of referenced items.
type Resolver interface {
	ResolveReferences(ctx context.Context, target string, ids []string, label string) (map[string]any, error)
}

// Options tunes Hydrate.
type Options struct {
	// ReferencesOnly limits hydration to reference fields and only rewrites
	// entries whose embedded value is stale.
	ReferencesOnly bool
	// Origin is attached to the CRDT update produced by the hydration.
	Origin string
}

// Marshaller converts records to and from the live CRDT structure.
type Marshaller struct {
	resolver Resolver
}

// NewMarshaller constructs a Marshaller. A nil resolver embeds references
// without labels.
func NewMarshaller(resolver Resolver) *Marshaller {
	return &Marshaller{resolver: resolver}
}

// Hydrate writes record values for fields into doc and returns the names of
// fields it changed. Values equal to what the document already holds are left
// untouched, and fields missing from the record are removed from the document.
func (m *Marshaller) Hydrate(ctx context.Context, doc *crdt.Doc, record map[string]any, fields Fields, opts Options) ([]string, error) {
	desired := make(map[string]any, len(fields))
	present := make(map[string]bool, len(fields))
	for _, field := range fields {
		if field.IsPrivate() {
			continue
		}
		if opts.ReferencesOnly && !field.IsReference() {
			continue
		}
		value, ok := record[field.Name]
		if !ok || value == nil {
			continue
		}
		if field.IsReference() {
			resolved, err := m.resolve(ctx, field, value)
			if err != nil {
				return nil, err
			}
			value = resolved
		}
		desired[field.Name] = Normalize(value)
		present[field.Name] = true
	}

	var changed []string
	err := doc.Transact(opts.Origin, func(tx *crdt.Txn) error {
		for _, field := range fields {
			if field.IsPrivate() || (opts.ReferencesOnly && !field.IsReference()) {
				continue
			}
			current, exists := tx.Get(field.Name)
			if !present[field.Name] {
				if exists && !opts.ReferencesOnly {
					tx.Delete(field.Name)
					changed = append(changed, field.Name)
				}
				continue
			}
			if exists && Equal(current, desired[field.Name]) {
				continue
			}
			if err := tx.Set(field.Name, desired[field.Name]); err != nil {
				return err
			}
			changed = append(changed, field.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(changed)
	return changed, nil
}

// Extract reads the current values of fields from doc. Reference fields are
// returned as ids so the result matches the structured record shape.
func (m *Marshaller) Extract(doc *crdt.Doc, fields Fields) map[string]any {
	record := make(map[string]any, len(fields))
	for _, field := range fields {
		if field.IsPrivate() {
			continue
		}
		value, ok := doc.Get(field.Name)
		if !ok {
			continue
		}
		if field.IsReference() {
			value = referenceIDs(field, value)
		}
		record[field.Name] = value
	}
	return record
}

func (m *Marshaller) resolve(ctx context.Context, field Field, value any) (any, error) {
	ids, err := ReferenceIDs(value)
	if err != nil {
		return nil, fmt.Errorf("%w: field %q", err, field.Name)
	}
	labels := map[string]any{}
	if m.resolver != nil && len(ids) > 0 {
		labels, err = m.resolver.ResolveReferences(ctx, field.Target, ids, field.Label)
		if err != nil {
			return nil, fmt.Errorf("resolve references for %q: %w", field.Name, err)
		}
	}
	references := make([]Reference, 0, len(ids))
	for _, id := range ids {
		references = append(references, Reference{ID: id, Label: labels[id]})
	}
	if !field.Many {
		if len(references) == 0 {
			return nil, nil
		}
		return references[0], nil
	}
	return references, nil
}

// ReferenceIDs accepts an id, a denormalized reference, or a list of either,
// and returns the ids in order.
func ReferenceIDs(value any) ([]string, error) {
	switch typed := Normalize(value).(type) {
	case nil:
		return nil, nil
	case string:
		return []string{typed}, nil
	case map[string]any:
		id, ok := typed["id"].(string)
		if !ok {
			return nil, ErrInvalidReference
		}
		return []string{id}, nil
	case []any:
		ids := make([]string, 0, len(typed))
		for _, item := range typed {
			nested, err := ReferenceIDs(item)
			if err != nil {
				return nil, err
			}
			ids = append(ids, nested...)
		}
		return ids, nil
	default:
		return nil, ErrInvalidReference
	}
}

func referenceIDs(field Field, value any) any {
	ids, err := ReferenceIDs(value)
	if err != nil {
		return value
	}
	if !field.Many {
		if len(ids) == 0 {
			return nil
		}
		return ids[0]
	}
	list := make([]any, 0, len(ids))
	for _, id := range ids {
		list = append(list, id)
	}
	return list
}
