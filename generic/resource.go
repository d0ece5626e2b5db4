/*
resource.go - Leave-type registration and lookup

PURPOSE:
  Stores persist leave types as plain strings. The registry lets them
  rebuild the domain's typed values when reading rows and documents back,
  while this package stays unaware of which types exist.

HOW IT WORKS:
  1. The leave package defines its Type and registers each value on init()
  2. Stores call GetOrCreateResource(id) when decoding
  3. Unknown ids decode to a StringResource instead of failing the read

SEE ALSO:
  - leave/types.go: Registers the six leave types
*/
package generic

import (
	"sort"
	"sync"
)

// ResourceType identifies what kind of leave an entry records.
// Domain packages define the concrete types.
type ResourceType interface {
	// ResourceID returns the unique identifier for this resource type.
	ResourceID() string

	// ResourceDomain returns which domain this resource belongs to.
	ResourceDomain() string
}

// =============================================================================
// RESOURCE REGISTRY
// =============================================================================

var (
	resourceRegistry = make(map[string]ResourceType)
	registryMu       sync.RWMutex
)

// RegisterResource adds a resource type to the global registry.
// Call this from domain package init() functions.
func RegisterResource(r ResourceType) {
	registryMu.Lock()
	defer registryMu.Unlock()
	resourceRegistry[r.ResourceID()] = r
}

// LookupResource finds a registered resource type by ID.
// Returns nil if not found.
func LookupResource(id string) ResourceType {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return resourceRegistry[id]
}

// ListResourcesByDomain returns resources for a domain, sorted by id.
func ListResourcesByDomain(domain string) []ResourceType {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var result []ResourceType
	for _, r := range resourceRegistry {
		if r.ResourceDomain() == domain {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ResourceID() < result[j].ResourceID()
	})
	return result
}

// =============================================================================
// STRING RESOURCE - Fallback for unregistered ids
// =============================================================================

// StringResource is a simple string-based resource type.
type StringResource struct {
	ID     string
	Domain string
}

func (r StringResource) ResourceID() string     { return r.ID }
func (r StringResource) ResourceDomain() string { return r.Domain }

// GetOrCreateResource looks up a resource type, or creates a StringResource fallback.
// Use this in deserialization when the domain might not be loaded.
func GetOrCreateResource(id string) ResourceType {
	if r := LookupResource(id); r != nil {
		return r
	}
	return StringResource{ID: id, Domain: "unknown"}
}
