package documents

import (
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/schema"
)

const historyField = "history"

type fieldDiff struct {
	Added   map[string]any
	Deleted map[string]any
	Updated map[string]any
}

func (d fieldDiff) empty() bool {
	return len(d.Added) == 0 && len(d.Deleted) == 0 && len(d.Updated) == 0
}

// set returns the values to write back to the record.
func (d fieldDiff) set() map[string]any {
	values := make(map[string]any, len(d.Added)+len(d.Updated))
	for name, value := range d.Added {
		values[name] = value
	}
	for name, value := range d.Updated {
		values[name] = value
	}
	return values
}

func (d fieldDiff) unset() []string {
	names := make([]string, 0, len(d.Deleted))
	for name := range d.Deleted {
		names = append(names, name)
	}
	return names
}

// diffFields compares schema fields between the stored record and the live
// extraction. Private fields and the history log are ignored.
func diffFields(fields schema.Fields, before, after map[string]any) fieldDiff {
	diff := fieldDiff{
		Added:   map[string]any{},
		Deleted: map[string]any{},
		Updated: map[string]any{},
	}
	for _, field := range fields {
		if field.IsPrivate() || field.Name == historyField {
			continue
		}
		previous, hadPrevious := before[field.Name]
		current, hasCurrent := after[field.Name]
		hadPrevious = hadPrevious && previous != nil
		hasCurrent = hasCurrent && current != nil
		switch {
		case !hadPrevious && hasCurrent:
			diff.Added[field.Name] = schema.Normalize(current)
		case hadPrevious && !hasCurrent:
			diff.Deleted[field.Name] = schema.Normalize(previous)
		case hadPrevious && hasCurrent && !schema.Equal(previous, current):
			diff.Updated[field.Name] = schema.Normalize(current)
		}
	}
	return diff
}
