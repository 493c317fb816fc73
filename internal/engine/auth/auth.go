package auth

import (
	"fmt"
	"sort"

	"sepflow/internal/domain"
	"sepflow/internal/engine/lifecycle"
)

// Identity is a resolved caller.
type Identity struct {
	ID         string      `json:"id" yaml:"id"`
	Role       domain.Role `json:"role" yaml:"role"`
	EmployeeID string      `json:"employee_id,omitempty" yaml:"employee_id,omitempty"`
}

// Capability is the right to trigger an action on an entity type in some state.
type Capability struct {
	Entity domain.EntityType `json:"entity"`
	Action domain.Action     `json:"action"`
}

func (c Capability) String() string {
	return fmt.Sprintf("%s.%s", c.Entity, c.Action)
}

// Registry maps identity ids to roles. It is built once and never mutated.
type Registry struct {
	identities map[string]Identity
}

// NewRegistry validates and indexes identities.
func NewRegistry(identities []Identity) (*Registry, error) {
	r := &Registry{identities: make(map[string]Identity, len(identities))}
	for _, id := range identities {
		if id.ID == "" {
			return nil, fmt.Errorf("identity with empty id")
		}
		if !domain.KnownRole(id.Role) {
			return nil, fmt.Errorf("identity %s has unknown role %q", id.ID, id.Role)
		}
		if _, dup := r.identities[id.ID]; dup {
			return nil, fmt.Errorf("identity %s declared twice", id.ID)
		}
		r.identities[id.ID] = id
	}
	return r, nil
}

// Resolve returns the identity for id or an UnknownIdentity error.
func (r *Registry) Resolve(id string) (Identity, error) {
	if id == "" {
		return Identity{}, domain.Errorf(domain.KindUnknownIdentity, "actor required")
	}
	ident, ok := r.identities[id]
	if !ok {
		return Identity{}, domain.Errorf(domain.KindUnknownIdentity, "identity %s has no role", id).With("actor_id", id)
	}
	return ident, nil
}

// Identities returns every registered identity sorted by id.
func (r *Registry) Identities() []Identity {
	out := make([]Identity, 0, len(r.identities))
	for _, id := range r.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Policy answers role × entity × action questions from the transition table.
type Policy struct {
	caps  map[domain.Role]map[Capability]bool
	table *lifecycle.Table
}

// NewPolicy derives capability sets from every row of the table.
func NewPolicy(table *lifecycle.Table) *Policy {
	p := &Policy{caps: map[domain.Role]map[Capability]bool{}, table: table}
	for _, row := range table.Transitions() {
		c := Capability{Entity: row.Entity, Action: row.Action}
		for _, role := range row.Roles {
			if p.caps[role] == nil {
				p.caps[role] = map[Capability]bool{}
			}
			p.caps[role][c] = true
		}
	}
	return p
}

// CapabilitiesOf lists what role may do, sorted by entity then action.
func (p *Policy) CapabilitiesOf(role domain.Role) []Capability {
	set := p.caps[role]
	out := make([]Capability, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].Action < out[j].Action
	})
	return out
}

func (p *Policy) Allowed(role domain.Role, entity domain.EntityType, action domain.Action) bool {
	return p.caps[role][Capability{Entity: entity, Action: action}]
}

// Authorize fails with Forbidden when role lacks the capability. It never looks at entity state.
func (p *Policy) Authorize(ident Identity, entity domain.EntityType, action domain.Action) error {
	if p.Allowed(ident.Role, entity, action) {
		return nil
	}
	c := Capability{Entity: entity, Action: action}
	return domain.Errorf(domain.KindForbidden, "permission %s required", c).
		With("permission", c.String()).
		With("role", string(ident.Role))
}

// AuthorizeKind narrows Authorize to entities of one kind: HR may decide resource
// requests but not budget ones. Like Authorize it never looks at entity state.
func (p *Policy) AuthorizeKind(ident Identity, entity domain.EntityType, action domain.Action, kind string) error {
	if err := p.Authorize(ident, entity, action); err != nil {
		return err
	}
	if kind == "" || p.table.Grants(entity, action, ident.Role, kind) {
		return nil
	}
	c := Capability{Entity: entity, Action: action}
	return domain.Errorf(domain.KindForbidden, "permission %s on %s %s required", c, kind, entity).
		With("permission", c.String()).
		With("role", string(ident.Role)).
		With("kind", kind)
}
