// Package playbook loads the declarative response playbooks and evaluates
// events against them. The engine only selects and resolves: deciding which
// playbooks fire and with which parameters. Executing the resulting actions
// belongs to the action executors, driven by the response loop.
package playbook

// Condition operators. A condition may additionally be negated, which
// inverts the operator's result.
const (
	OpEq       = "=="
	OpNe       = "!="
	OpGt       = ">"
	OpGe       = ">="
	OpLt       = "<"
	OpLe       = "<="
	OpIn       = "in"
	OpContains = "contains"
)

var validOps = map[string]struct{}{
	OpEq: {}, OpNe: {}, OpGt: {}, OpGe: {}, OpLt: {}, OpLe: {},
	OpIn: {}, OpContains: {},
}

// Condition is one predicate over an event. Path addresses nested structure
// with dot-separated components; integer components index into arrays.
type Condition struct {
	Path   string `yaml:"path" json:"path" validate:"required"`
	Op     string `yaml:"op" json:"op" validate:"required"`
	Value  any    `yaml:"value" json:"value"`
	Negate bool   `yaml:"negate,omitempty" json:"negate,omitempty"`
}

// ActionSpec names an action kind with its raw, possibly templated,
// parameters. A critical action's failure aborts the remaining actions of
// its playbook.
type ActionSpec struct {
	Kind       string         `yaml:"kind" json:"kind" validate:"required"`
	Critical   bool           `yaml:"critical,omitempty" json:"critical,omitempty"`
	Parameters map[string]any `yaml:"parameters" json:"parameters"`
}

// Playbook is one declarative response rule: when an event of the trigger
// type satisfies every condition, the actions run in order.
type Playbook struct {
	ID          string       `yaml:"id" json:"id" validate:"required"`
	Name        string       `yaml:"name,omitempty" json:"name,omitempty"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool         `yaml:"enabled" json:"enabled"`
	Priority    int          `yaml:"priority" json:"priority"`
	DryRun      bool         `yaml:"dry_run" json:"dry_run"`
	Trigger     string       `yaml:"trigger" json:"trigger" validate:"required"`
	Conditions  []Condition  `yaml:"conditions,omitempty" json:"conditions,omitempty" validate:"dive"`
	Actions     []ActionSpec `yaml:"actions" json:"actions" validate:"min=1,dive"`
}

// ResolvedAction is an action spec after template substitution, ready for
// dispatch.
type ResolvedAction struct {
	Kind       string
	Critical   bool
	Parameters map[string]any
}

// Match pairs a triggered playbook with its resolved actions.
type Match struct {
	Playbook Playbook
	Actions  []ResolvedAction
}
