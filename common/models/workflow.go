package models

// Workflow is the user-authored graph definition.
// Read-only from the worker's perspective; the API owns writes.
// Maps to: workflows table
type Workflow struct {
	ID       string `db:"id" json:"id"`
	UserID   string `db:"user_id" json:"user_id"`
	Name     string `db:"name" json:"name"`
	Nodes    []Node `db:"nodes" json:"nodes"`
	Edges    []Edge `db:"edges" json:"edges"`
	IsPublic bool   `db:"is_public" json:"is_public"`
	Version  int    `db:"version" json:"version"`
}

// Node is one typed block in a workflow graph.
// The block type may live on the node itself or inside Data; resolution
// precedence is Type, Data.Type, Data.BlockType, Data.Config["blockType"].
type Node struct {
	ID       string   `json:"id"`
	Type     string   `json:"type,omitempty"`
	Category string   `json:"category,omitempty"`
	Data     NodeData `json:"data"`
}

// NodeData is the freeform node payload authored by the editor
type NodeData struct {
	Type      string                 `json:"type,omitempty"`
	BlockType string                 `json:"blockType,omitempty"`
	Label     string                 `json:"label,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty"`

	// Optional declared input/output shapes used for edge compatibility
	// checks and lenient runtime validation
	EnhancedSchema *EnhancedSchema `json:"enhancedSchema,omitempty"`
}

// EnhancedSchema declares a node's input and output field shapes
type EnhancedSchema struct {
	Input  *FieldSchema `json:"input,omitempty"`
	Output *FieldSchema `json:"output,omitempty"`
}

// FieldSchema lists named fields with primitive type tags
// (string, number, boolean, array, object; enum normalizes to string)
type FieldSchema struct {
	Fields []Field `json:"fields,omitempty"`
}

// Field is a single named, typed slot in a schema
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// Edge is a directed dependency from Source's output to Target's input
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Profile carries the per-user quota counters the worker reads and increments
// Maps to: profiles table
type Profile struct {
	UserID                string `db:"user_id" json:"user_id"`
	MonthlyExecutionCount int    `db:"monthly_execution_count" json:"monthly_execution_count"`
	MonthlyExecutionQuota int    `db:"monthly_execution_quota" json:"monthly_execution_quota"`
}

// QuotaExhausted reports whether the user has used up the monthly allowance
func (p *Profile) QuotaExhausted() bool {
	return p.MonthlyExecutionCount >= p.MonthlyExecutionQuota
}
