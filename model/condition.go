package model

// Condition operators for simple (leaf) comparisons.
const (
	OpEq  = "eq"
	OpNeq = "neq"
	OpGt  = "gt"
	OpLt  = "lt"
	OpGte = "gte"
	OpLte = "lte"
	OpIn  = "in"
	OpNin = "nin"
)

// Condition operators for composite nodes.
const (
	OpAnd = "and"
	OpOr  = "or"
	OpNot = "not"
)

// SimpleOperators is the closed set of leaf comparison operators.
var SimpleOperators = map[string]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpLt: true,
	OpGte: true, OpLte: true, OpIn: true, OpNin: true,
}

// CompositeOperators is the closed set of composite operators.
var CompositeOperators = map[string]bool{
	OpAnd: true, OpOr: true, OpNot: true,
}

// Condition is a recursive condition tree. A node is either simple (Field,
// Operator, Value set; Children empty) or composite (Operator and/or/not with
// Children). Conditions reference fields by ID only, never by condition
// reference, which keeps the dependency graph acyclic by construction. Shape
// errors are rejected at schema load; evaluation assumes a validated tree.
type Condition struct {
	Field    string `yaml:"field"    json:"field,omitempty"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value"    json:"value,omitempty"`

	Children []Condition `yaml:"children" json:"children,omitempty"`
}

// IsComposite reports whether the node is an and/or/not composite.
func (c *Condition) IsComposite() bool {
	return CompositeOperators[c.Operator]
}

// ReferencedFields returns every field ID the condition tree reads,
// depth-first and deduplicated. Used by load-time cycle detection and by
// recomputation dependency tracking.
func (c *Condition) ReferencedFields() []string {
	seen := make(map[string]bool)
	var out []string
	c.collectFields(seen, &out)
	return out
}

func (c *Condition) collectFields(seen map[string]bool, out *[]string) {
	if c.IsComposite() {
		for i := range c.Children {
			c.Children[i].collectFields(seen, out)
		}
		return
	}
	if c.Field != "" && !seen[c.Field] {
		seen[c.Field] = true
		*out = append(*out, c.Field)
	}
}
