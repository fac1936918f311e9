package graph

import (
	"sort"
	"strings"

	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Validator checks a workflow graph before scheduling. Checks run in a
// fixed order and the first failing check aborts validation; within one
// check, every offending node is collected so the caller sees the full
// batch.
type Validator struct {
	registry          *blocks.Registry
	allowedCategories map[string]bool
	logger            Logger
}

// NewValidator creates a graph validator. allowedCategories lists the
// categories a terminal node may carry, compared case-insensitively.
func NewValidator(registry *blocks.Registry, allowedCategories []string, logger Logger) *Validator {
	allowed := make(map[string]bool, len(allowedCategories))
	for _, c := range allowedCategories {
		allowed[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return &Validator{
		registry:          registry,
		allowedCategories: allowed,
		logger:            logger,
	}
}

// Validate runs all checks over the graph. Type-compatibility mismatches
// on edges are logged as warnings and never fail validation.
func (v *Validator) Validate(nodes []models.Node, edges []models.Edge, userID string) error {
	if err := v.checkNodeIdentity(nodes); err != nil {
		return err
	}
	if err := v.checkHandlersExist(nodes); err != nil {
		return err
	}
	if err := v.checkConfigs(nodes, userID); err != nil {
		return err
	}
	if err := v.checkAcyclic(nodes, edges); err != nil {
		return err
	}
	if err := v.checkOrphans(nodes, edges); err != nil {
		return err
	}
	if err := v.checkTerminalCategories(nodes, edges); err != nil {
		return err
	}
	v.warnTypeMismatches(nodes, edges)
	return nil
}

// checkNodeIdentity requires an id and a resolvable block type on every node
func (v *Validator) checkNodeIdentity(nodes []models.Node) error {
	var batch errs.ValidationErrors
	for _, n := range nodes {
		if n.ID == "" {
			batch = append(batch, &errs.ValidationError{Message: "node is missing an id"})
			continue
		}
		if blocks.ResolveType(n) == "" {
			batch = append(batch, &errs.ValidationError{NodeID: n.ID, Message: "node has no resolvable block type"})
		}
	}
	if len(batch) > 0 {
		return batch
	}
	return nil
}

// checkHandlersExist requires a registered handler for every resolved type
func (v *Validator) checkHandlersExist(nodes []models.Node) error {
	var batch errs.ValidationErrors
	for _, n := range nodes {
		blockType := blocks.ResolveType(n)
		if _, err := v.registry.Resolve(blockType); err != nil {
			batch = append(batch, &errs.ValidationError{
				NodeID:  n.ID,
				Message: "no handler registered for block type " + blockType,
			})
		}
	}
	if len(batch) > 0 {
		return batch
	}
	return nil
}

// checkConfigs runs each handler's optional config validation
func (v *Validator) checkConfigs(nodes []models.Node, userID string) error {
	var batch errs.ValidationErrors
	for _, n := range nodes {
		h, err := v.registry.Resolve(blocks.ResolveType(n))
		if err != nil {
			continue
		}
		validator, ok := h.(blocks.ConfigValidator)
		if !ok {
			continue
		}
		for _, problem := range validator.ValidateConfig(n.Data.Config, userID) {
			batch = append(batch, &errs.ValidationError{NodeID: n.ID, Message: problem})
		}
	}
	if len(batch) > 0 {
		return batch
	}
	return nil
}

// checkAcyclic runs a depth-first search with a recursion stack. Roots and
// neighbors are visited in ascending id order so the reported cycle node is
// stable for a given graph.
func (v *Validator) checkAcyclic(nodes []models.Node, edges []models.Edge) error {
	ids := make([]string, 0, len(nodes))
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
		known[n.ID] = true
	}
	sort.Strings(ids)

	children := make(map[string][]string, len(nodes))
	for _, e := range edges {
		if !known[e.Source] || !known[e.Target] {
			continue
		}
		children[e.Source] = append(children[e.Source], e.Target)
	}
	for id := range children {
		sort.Strings(children[id])
	}

	visited := make(map[string]bool, len(nodes))
	inStack := make(map[string]bool, len(nodes))

	var visit func(id string) *errs.CycleError
	visit = func(id string) *errs.CycleError {
		visited[id] = true
		inStack[id] = true
		for _, child := range children[id] {
			if inStack[child] {
				return &errs.CycleError{NodeID: child}
			}
			if !visited[child] {
				if cycle := visit(child); cycle != nil {
					return cycle
				}
			}
		}
		inStack[id] = false
		return nil
	}

	for _, id := range ids {
		if visited[id] {
			continue
		}
		if cycle := visit(id); cycle != nil {
			return cycle
		}
	}
	return nil
}

// checkOrphans requires every node in a multi-node graph to touch at least
// one edge
func (v *Validator) checkOrphans(nodes []models.Node, edges []models.Edge) error {
	if len(nodes) <= 1 {
		return nil
	}

	connected := make(map[string]bool, len(nodes))
	for _, e := range edges {
		connected[e.Source] = true
		connected[e.Target] = true
	}

	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if !connected[id] {
			return &errs.OrphanError{NodeID: id}
		}
	}
	return nil
}

// checkTerminalCategories requires nodes with no outgoing edge to carry an
// allowed category. Nodes that declare no category pass; the check guards
// explicitly categorized nodes only.
func (v *Validator) checkTerminalCategories(nodes []models.Node, edges []models.Edge) error {
	hasOutgoing := make(map[string]bool, len(nodes))
	for _, e := range edges {
		hasOutgoing[e.Source] = true
	}

	for _, n := range nodes {
		if hasOutgoing[n.ID] || n.Category == "" {
			continue
		}
		if !v.allowedCategories[strings.ToUpper(n.Category)] {
			return &errs.TerminalCategoryError{NodeID: n.ID, Category: n.Category}
		}
	}
	return nil
}

// warnTypeMismatches compares the declared output fields of each edge's
// source against the declared input fields of its target. Mismatches are
// advisory: a transform node between the two usually fixes them.
func (v *Validator) warnTypeMismatches(nodes []models.Node, edges []models.Edge) {
	byID := make(map[string]models.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	for _, e := range edges {
		source, ok := byID[e.Source]
		if !ok {
			continue
		}
		target, ok := byID[e.Target]
		if !ok {
			continue
		}

		out := outputSchema(source)
		in := inputSchema(target)
		if out == nil || in == nil {
			continue
		}

		outTypes := make(map[string]string, len(out.Fields))
		for _, f := range out.Fields {
			outTypes[f.Name] = blocks.NormalizeFieldType(f.Type)
		}

		for _, f := range in.Fields {
			want, shared := outTypes[f.Name]
			if !shared {
				continue
			}
			got := blocks.NormalizeFieldType(f.Type)
			if want != got {
				v.logger.Warn("edge type mismatch, consider inserting a transform node",
					"source", e.Source,
					"target", e.Target,
					"field", f.Name,
					"source_type", want,
					"target_type", got)
			}
		}
	}
}

func outputSchema(n models.Node) *models.FieldSchema {
	if n.Data.EnhancedSchema != nil && n.Data.EnhancedSchema.Output != nil {
		return n.Data.EnhancedSchema.Output
	}
	if s := blocks.BuiltinSchema(blocks.ResolveType(n)); s != nil {
		return s.Output
	}
	return nil
}

func inputSchema(n models.Node) *models.FieldSchema {
	if n.Data.EnhancedSchema != nil && n.Data.EnhancedSchema.Input != nil {
		return n.Data.EnhancedSchema.Input
	}
	if s := blocks.BuiltinSchema(blocks.ResolveType(n)); s != nil {
		return s.Input
	}
	return nil
}
