package schemaprobe

import (
	"fmt"
	"sort"

	"adminscope/internal/sqlutil"
)

// Attribute is a logical attribute and the ordered physical column names
// that may back it.
type Attribute struct {
	Name       string
	Candidates []string
}

// Logical attribute names.
const (
	HotelRef   = "hotel_ref"
	BranchRef  = "branch_ref"
	ManagerRef = "manager_ref"
	UserRef    = "user_ref"
	CreatedAt  = "created_at"
	Status     = "status"
	Category   = "category"
)

var defaultCandidates = map[string][]string{
	HotelRef:   {"hotel_id", "hotelId", "hotel", "hotelid"},
	BranchRef:  {"branch", "branch_name", "branchName"},
	ManagerRef: {"manager_id", "managerId", "manager", "managerid"},
	UserRef:    {"user_id", "userId", "user", "userid"},
	CreatedAt:  {"created_at", "createdAt", "created", "date"},
	Status:     {"status", "state"},
	Category:   {"category", "type"},
}

// Registry maps logical attribute names to candidate lists.
type Registry struct {
	attrs map[string][]string
}

// DefaultRegistry returns the built-in candidate lists.
func DefaultRegistry() *Registry {
	r, _ := NewRegistry(nil)
	return r
}

// NewRegistry returns the built-in candidate lists with overrides applied.
// Overrides may add attributes; every list must be non-empty and made of
// safe identifiers.
func NewRegistry(overrides map[string][]string) (*Registry, error) {
	attrs := make(map[string][]string, len(defaultCandidates)+len(overrides))
	for name, cands := range defaultCandidates {
		attrs[name] = append([]string(nil), cands...)
	}
	for name, cands := range overrides {
		if len(cands) == 0 {
			return nil, fmt.Errorf("candidate list for %q is empty", name)
		}
		for _, c := range cands {
			if !sqlutil.IsSafeIdentifier(c) {
				return nil, fmt.Errorf("candidate %q for %q is not a safe identifier", c, name)
			}
		}
		attrs[name] = append([]string(nil), cands...)
	}
	return &Registry{attrs: attrs}, nil
}

// Attribute looks up a logical attribute by name.
func (r *Registry) Attribute(name string) (Attribute, bool) {
	cands, ok := r.attrs[name]
	if !ok {
		return Attribute{}, false
	}
	return Attribute{Name: name, Candidates: append([]string(nil), cands...)}, true
}

// MustAttribute is Attribute for names known at compile time.
func (r *Registry) MustAttribute(name string) Attribute {
	attr, ok := r.Attribute(name)
	if !ok {
		panic(fmt.Sprintf("schemaprobe: unknown logical attribute %q", name))
	}
	return attr
}

// Names returns the registered attribute names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.attrs))
	for name := range r.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
