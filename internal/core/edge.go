package core

// EdgeKind distinguishes plain dependency edges from conditional ones.
type EdgeKind string

const (
	EdgeData        EdgeKind = "data"
	EdgeControl     EdgeKind = "control"
	EdgeConditional EdgeKind = "conditional"
)

// Edge connects two nodes. Edges may be omitted from declarations when node
// dependencies suffice; the parser then infers data edges. A conditional
// edge's condition gates readiness of the target along this edge.
type Edge struct {
	From        string            `json:"from" yaml:"from"`
	To          string            `json:"to" yaml:"to"`
	Kind        EdgeKind          `json:"kind,omitempty" yaml:"kind,omitempty"`
	Condition   string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	DataMapping map[string]string `json:"data_mapping,omitempty" yaml:"data_mapping,omitempty"`
}
