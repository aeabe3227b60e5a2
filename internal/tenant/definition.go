package tenant

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/schema"
	"github.com/google/uuid"
)

// KeyKind is the value type of an accessor key.
type KeyKind string

const (
	// KeyKindUUID accepts canonical UUID strings.
	KeyKindUUID KeyKind = "uuid"
	// KeyKindString accepts any non-empty string.
	KeyKindString KeyKind = "string"
	// KeyKindInt accepts base-10 integers.
	KeyKindInt KeyKind = "int"

	// DefaultAccessorKey addresses the record identifier itself.
	DefaultAccessorKey = "id"
)

// AccessorKey names the field and value type used to look an item up.
type AccessorKey struct {
	Key  string  `mapstructure:"key"`
	Kind KeyKind `mapstructure:"kind"`
}

// Accessor carries the lookup keys for single and batch reads.
type Accessor struct {
	One  AccessorKey `mapstructure:"one"`
	Many AccessorKey `mapstructure:"many"`
}

// NotificationConfig declares the workflow stage field and its watchers.
type NotificationConfig struct {
	StageField     string   `mapstructure:"stage_field"`
	RequiredFields []string `mapstructure:"required_fields"`
	WatchingField  string   `mapstructure:"watching_field"`
	Subject        string   `mapstructure:"subject"`
}

// CollectionDefinition configures one collection of a tenant.
type CollectionDefinition struct {
	Name          string              `mapstructure:"name"`
	Accessor      Accessor            `mapstructure:"accessor"`
	Fields        schema.Fields       `mapstructure:"fields"`
	Publish       bool                `mapstructure:"publish"`
	Permissions   bool                `mapstructure:"permissions"`
	WatchFields   []string            `mapstructure:"watch_fields"`
	Notifications *NotificationConfig `mapstructure:"notifications"`
}

// Definition configures one tenant and its database.
type Definition struct {
	Name        string                 `mapstructure:"name"`
	DSN         string                 `mapstructure:"dsn"`
	Collections []CollectionDefinition `mapstructure:"collections"`
}

var (
	publishExtension = schema.Fields{
		{Name: "published", Kind: schema.KindBoolean},
		{Name: "published_at", Kind: schema.KindString},
	}
	permissionExtension = schema.Fields{
		{Name: "permissions", Kind: schema.KindJSON},
	}
)

// MergedFields returns the base fields extended with the publish and
// permission fields the collection enables. Base fields win on name clashes.
func (d CollectionDefinition) MergedFields() schema.Fields {
	extensions := make([]schema.Fields, 0, 2)
	if d.Publish {
		extensions = append(extensions, publishExtension)
	}
	if d.Permissions {
		extensions = append(extensions, permissionExtension)
	}
	return d.Fields.Merge(extensions...)
}

func (d Definition) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: tenant name required", ErrInvalidDefinition)
	}
	if strings.ContainsAny(d.Name, ".") {
		return fmt.Errorf("%w: tenant name %q must not contain dots", ErrInvalidDefinition, d.Name)
	}
	if strings.TrimSpace(d.DSN) == "" {
		return fmt.Errorf("%w: tenant %q requires a dsn", ErrInvalidDefinition, d.Name)
	}
	seen := make(map[string]struct{}, len(d.Collections))
	for _, collection := range d.Collections {
		name := strings.TrimSpace(collection.Name)
		if name == "" || strings.ContainsAny(name, ".") {
			return fmt.Errorf("%w: tenant %q has an invalid collection name %q", ErrInvalidDefinition, d.Name, collection.Name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: tenant %q declares collection %q twice", ErrInvalidDefinition, d.Name, name)
		}
		seen[name] = struct{}{}
		if _, err := collection.Accessor.normalized(); err != nil {
			return err
		}
	}
	return nil
}

func (a Accessor) normalized() (Accessor, error) {
	one, err := a.One.normalized()
	if err != nil {
		return Accessor{}, err
	}
	many, err := a.Many.normalized()
	if err != nil {
		return Accessor{}, err
	}
	return Accessor{One: one, Many: many}, nil
}

func (k AccessorKey) normalized() (AccessorKey, error) {
	key := strings.TrimSpace(k.Key)
	if key == "" {
		key = DefaultAccessorKey
	}
	kind := KeyKind(strings.ToLower(strings.TrimSpace(string(k.Kind))))
	switch kind {
	case "":
		kind = KeyKindUUID
	case KeyKindUUID, KeyKindString, KeyKindInt:
	default:
		return AccessorKey{}, fmt.Errorf("%w: unsupported accessor kind %q", ErrInvalidDefinition, k.Kind)
	}
	return AccessorKey{Key: key, Kind: kind}, nil
}

// Coerce converts a raw address value into the accessor's value type.
func (k AccessorKey) Coerce(raw string) (any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty %s", ErrRecordNotFound, k.Key)
	}
	switch k.Kind {
	case KeyKindInt:
		value, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q is not an integer", ErrRecordNotFound, k.Key, trimmed)
		}
		return value, nil
	case KeyKindString:
		return trimmed, nil
	default:
		value, err := uuid.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q is not a uuid", ErrRecordNotFound, k.Key, trimmed)
		}
		return value.String(), nil
	}
}
