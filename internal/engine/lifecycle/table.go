package lifecycle

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"sepflow/internal/domain"
)

//go:embed default.yml
var defaultTable []byte

// Effect names a side effect applied when a transition commits.
type Effect string

const (
	EffectMarkNeedsReview        Effect = "mark_needs_review"
	EffectClearNeedsReview       Effect = "clear_needs_review"
	EffectRecordRejection        Effect = "record_rejection"
	EffectAppendFinancialComment Effect = "append_financial_comment"
	EffectCreateTask             Effect = "create_task"
	EffectSetAssignee            Effect = "set_assignee"
	EffectAppendComment          Effect = "append_comment"
	EffectSubmitForReview        Effect = "submit_for_review"
	EffectRecordDecision         Effect = "record_decision"
)

var knownEffects = map[Effect]bool{
	EffectMarkNeedsReview:        true,
	EffectClearNeedsReview:       true,
	EffectRecordRejection:        true,
	EffectAppendFinancialComment: true,
	EffectCreateTask:             true,
	EffectSetAssignee:            true,
	EffectAppendComment:          true,
	EffectSubmitForReview:        true,
	EffectRecordDecision:         true,
}

// Transition is one row of the table. Empty From marks a creation row;
// empty To leaves the status unchanged.
type Transition struct {
	Entity  domain.EntityType `yaml:"-" json:"entity"`
	From    []string          `yaml:"from,omitempty" json:"from,omitempty"`
	Action  domain.Action     `yaml:"action" json:"action"`
	Roles   []domain.Role     `yaml:"roles" json:"roles"`
	Kinds   []string          `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	To      string            `yaml:"to,omitempty" json:"to,omitempty"`
	Effects []Effect          `yaml:"effects,omitempty" json:"effects,omitempty"`
}

func (t Transition) IsCreate() bool { return len(t.From) == 0 }

// Target returns the status an entity in from ends up in.
func (t Transition) Target(from string) string {
	if t.To == "" {
		return from
	}
	return t.To
}

func (t Transition) HasEffect(e Effect) bool {
	for _, eff := range t.Effects {
		if eff == e {
			return true
		}
	}
	return false
}

func (t Transition) clone() Transition {
	t.From = append([]string(nil), t.From...)
	t.Roles = append([]domain.Role(nil), t.Roles...)
	t.Kinds = append([]string(nil), t.Kinds...)
	t.Effects = append([]Effect(nil), t.Effects...)
	return t
}

func (t Transition) allows(role domain.Role) bool {
	for _, r := range t.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (t Transition) matchesKind(kind string) bool {
	if len(t.Kinds) == 0 {
		return true
	}
	for _, k := range t.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (t Transition) matchesFrom(status string) bool {
	if status == "" {
		return t.IsCreate()
	}
	for _, f := range t.From {
		if f == status {
			return true
		}
	}
	return false
}

// Machine is the lifecycle of one entity type.
type Machine struct {
	States      []string     `yaml:"states,omitempty" json:"states,omitempty"`
	Terminal    []string     `yaml:"terminal,omitempty" json:"terminal,omitempty"`
	Transitions []Transition `yaml:"transitions" json:"transitions"`
}

// Table holds the machines for every entity type. It is read-only after Parse.
type Table struct {
	machines map[domain.EntityType]*Machine
}

// Default returns the embedded table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("embedded transition table: %v", err))
	}
	return t
}

// DefaultYAML returns the embedded table source.
func DefaultYAML() []byte {
	out := make([]byte, len(defaultTable))
	copy(out, defaultTable)
	return out
}

// Load reads a table from a YAML file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates a YAML transition table.
func Parse(data []byte) (*Table, error) {
	raw := map[domain.EntityType]*Machine{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid transition table yaml: %w", err)
	}
	t := &Table{machines: map[domain.EntityType]*Machine{}}
	for entity, m := range raw {
		if m == nil {
			continue
		}
		for i := range m.Transitions {
			m.Transitions[i].Entity = entity
		}
		t.machines[entity] = m
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks that every row references known entities, roles, states and effects,
// and that no two rows match the same (from, action, role, kind).
func (t *Table) Validate() error {
	for entity, m := range t.machines {
		if !domain.KnownEntity(entity) {
			return fmt.Errorf("transition table: unknown entity %s", entity)
		}
		states := map[string]bool{}
		for _, s := range m.States {
			if s == "" {
				return fmt.Errorf("transition table: %s has empty state", entity)
			}
			states[s] = true
		}
		checkState := func(s string) error {
			if len(states) > 0 && !states[s] {
				return fmt.Errorf("transition table: %s references unknown state %s", entity, s)
			}
			return nil
		}
		for _, s := range m.Terminal {
			if err := checkState(s); err != nil {
				return err
			}
		}
		seen := map[string]bool{}
		for i, row := range m.Transitions {
			if row.Action == "" {
				return fmt.Errorf("transition table: %s row %d has no action", entity, i)
			}
			if row.IsCreate() != (row.Action == domain.ActionCreate) {
				return fmt.Errorf("transition table: %s row %d: only create rows may omit from", entity, i)
			}
			if len(row.Roles) == 0 {
				return fmt.Errorf("transition table: %s row %d has no roles", entity, i)
			}
			for _, r := range row.Roles {
				if !domain.KnownRole(r) {
					return fmt.Errorf("transition table: %s row %d: unknown role %s", entity, i, r)
				}
			}
			for _, f := range row.From {
				if err := checkState(f); err != nil {
					return err
				}
			}
			if row.To != "" {
				if err := checkState(row.To); err != nil {
					return err
				}
			}
			for _, e := range row.Effects {
				if !knownEffects[e] {
					return fmt.Errorf("transition table: %s row %d: unknown effect %s", entity, i, e)
				}
			}
			froms := row.From
			if row.IsCreate() {
				froms = []string{""}
			}
			kinds := row.Kinds
			if len(kinds) == 0 {
				kinds = []string{"*"}
			}
			for _, f := range froms {
				for _, r := range row.Roles {
					for _, k := range kinds {
						key := fmt.Sprintf("%s|%s|%s|%s", f, row.Action, r, k)
						if seen[key] {
							return fmt.Errorf("transition table: %s has ambiguous rows for %s %s by %s", entity, f, row.Action, r)
						}
						seen[key] = true
					}
				}
			}
		}
	}
	return nil
}

// Machine returns the machine for an entity type.
func (t *Table) Machine(entity domain.EntityType) (*Machine, bool) {
	m, ok := t.machines[entity]
	return m, ok
}

// Entities lists the entity types with a machine, sorted.
func (t *Table) Entities() []domain.EntityType {
	out := make([]domain.EntityType, 0, len(t.machines))
	for e := range t.machines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Transitions returns a copy of every row, ordered by entity then table order.
func (t *Table) Transitions() []Transition {
	var out []Transition
	for _, e := range t.Entities() {
		for _, row := range t.machines[e].Transitions {
			out = append(out, row.clone())
		}
	}
	return out
}

// Grants reports whether any row, in any status, lets role take action on an
// entity of kind. It is the capability check scoped by kind.
func (t *Table) Grants(entity domain.EntityType, action domain.Action, role domain.Role, kind string) bool {
	m, ok := t.machines[entity]
	if !ok {
		return false
	}
	for _, row := range m.Transitions {
		if row.Action == action && row.matchesKind(kind) && row.allows(role) {
			return true
		}
	}
	return false
}

// Resolve finds the row for an action on an entity in status from ("" for creation).
// No row for the state yields InvalidTransition; a row that exists but does not
// list role yields Forbidden.
func (t *Table) Resolve(entity domain.EntityType, from string, action domain.Action, role domain.Role, kind string) (Transition, error) {
	m, ok := t.machines[entity]
	if !ok {
		return Transition{}, domain.Errorf(domain.KindInvalidTransition, "no lifecycle for %s", entity)
	}
	matched := false
	for _, row := range m.Transitions {
		if row.Action != action || !row.matchesFrom(from) || !row.matchesKind(kind) {
			continue
		}
		matched = true
		if row.allows(role) {
			return row.clone(), nil
		}
	}
	if matched {
		return Transition{}, domain.Errorf(domain.KindForbidden, "role %s may not %s %s", role, action, entity).
			With("permission", fmt.Sprintf("%s.%s", entity, action))
	}
	if from == "" {
		return Transition{}, domain.Errorf(domain.KindInvalidTransition, "%s cannot be created with %s", entity, action).
			With("action", string(action))
	}
	return Transition{}, domain.Errorf(domain.KindInvalidTransition, "cannot %s %s in status %s", action, entity, from).
		With("status", from).
		With("action", string(action))
}

// AvailableActions lists the non-create actions role may take on an entity in status.
func (t *Table) AvailableActions(entity domain.EntityType, status string, role domain.Role, kind string) []domain.Action {
	m, ok := t.machines[entity]
	if !ok || status == "" {
		return nil
	}
	var out []domain.Action
	seen := map[domain.Action]bool{}
	for _, row := range m.Transitions {
		if row.IsCreate() || seen[row.Action] {
			continue
		}
		if row.matchesFrom(status) && row.matchesKind(kind) && row.allows(role) {
			seen[row.Action] = true
			out = append(out, row.Action)
		}
	}
	return out
}

// ActionableStates lists the statuses in which role has at least one action on entity.
func (t *Table) ActionableStates(entity domain.EntityType, role domain.Role) []string {
	m, ok := t.machines[entity]
	if !ok {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, row := range m.Transitions {
		if row.IsCreate() || !row.allows(role) {
			continue
		}
		for _, f := range row.From {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// ActionableKinds lists the kinds role can act on, or nil when any of its rows is kind-agnostic.
func (t *Table) ActionableKinds(entity domain.EntityType, role domain.Role) []string {
	m, ok := t.machines[entity]
	if !ok {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, row := range m.Transitions {
		if row.IsCreate() || !row.allows(role) {
			continue
		}
		if len(row.Kinds) == 0 {
			return nil
		}
		for _, k := range row.Kinds {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

func (t *Table) IsTerminal(entity domain.EntityType, status string) bool {
	m, ok := t.machines[entity]
	if !ok {
		return false
	}
	for _, s := range m.Terminal {
		if s == status {
			return true
		}
	}
	return false
}

// Kinds lists the kinds declared by any row of entity.
func (t *Table) Kinds(entity domain.EntityType) []string {
	m, ok := t.machines[entity]
	if !ok {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, row := range m.Transitions {
		for _, k := range row.Kinds {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}
