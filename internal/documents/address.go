package documents

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/changes"
)

const versionMarker = "version"

// Address identifies one item of one tenant collection. Names have the form
// "tenant.collection.item" or "tenant.collection.item.version.N" for a
// read-only view of the Nth version entry.
type Address struct {
	Tenant     string
	Collection string
	ItemID     string
	Version    int
	historical bool
}

// ParseAddress splits a document name into its address parts.
func ParseAddress(name string) (Address, error) {
	parts := strings.Split(strings.TrimSpace(name), ".")
	if len(parts) < 3 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, name)
	}
	address := Address{Tenant: parts[0], Collection: parts[1]}
	rest := parts[2:]
	if len(rest) >= 3 && rest[len(rest)-2] == versionMarker {
		version, err := strconv.Atoi(rest[len(rest)-1])
		if err != nil || version < 0 {
			return Address{}, fmt.Errorf("%w: bad version in %q", ErrInvalidAddress, name)
		}
		address.Version = version
		address.historical = true
		rest = rest[:len(rest)-2]
	}
	address.ItemID = strings.Join(rest, ".")
	if address.Tenant == "" || address.Collection == "" || address.ItemID == "" {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, name)
	}
	return address, nil
}

// IsHistorical reports whether the address names a version entry rather than
// the live item.
func (a Address) IsHistorical() bool {
	return a.historical
}

func (a Address) String() string {
	name := a.Tenant + "." + a.Collection + "." + a.ItemID
	if a.historical {
		name += "." + versionMarker + "." + strconv.Itoa(a.Version)
	}
	return name
}

func (a Address) topic() changes.Topic {
	return changes.Topic{Tenant: a.Tenant, Collection: a.Collection, ItemID: a.ItemID}
}
