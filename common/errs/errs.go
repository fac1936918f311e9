// Package errs defines the typed failures the engine distinguishes.
// Error messages are load-bearing: the queue-level classifier matches on
// message substrings so failures survive serialization across the broker.
package errs

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports one graph validation failure tied to a node
type ValidationError struct {
	NodeID  string
	Message string
}

func (e *ValidationError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("workflow validation failed: %s", e.Message)
	}
	return fmt.Sprintf("workflow validation failed at node %s: %s", e.NodeID, e.Message)
}

// ValidationErrors is the batch surfaced by the graph validator
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "workflow validation failed"
	}
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return strings.Join(msgs, "; ")
}

// CycleError reports a dependency cycle detected at a node
type CycleError struct {
	NodeID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow contains a cycle involving node %s", e.NodeID)
}

// OrphanError reports a node with no incident edges in a multi-node graph
type OrphanError struct {
	NodeID string
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("node %s is not connected to the workflow", e.NodeID)
}

// TerminalCategoryError reports a terminal node outside the allowed categories
type TerminalCategoryError struct {
	NodeID   string
	Category string
}

func (e *TerminalCategoryError) Error() string {
	return fmt.Sprintf("terminal node %s has disallowed category %q", e.NodeID, e.Category)
}

// CycleOrOrphanError reports a scheduling pass that emitted fewer nodes
// than the graph contains. The validator catches these first; the
// scheduler keeps its own guard.
type CycleOrOrphanError struct {
	Emitted int
	Total   int
}

func (e *CycleOrOrphanError) Error() string {
	return fmt.Sprintf("workflow could not be fully scheduled (%d of %d nodes ordered): cycle or orphan present", e.Emitted, e.Total)
}

// CircuitOpenError reports an execution rejected by an open breaker.
// The message keeps the literal "Circuit breaker is OPEN" the classifier
// keys on.
type CircuitOpenError struct {
	CircuitID string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("Circuit breaker is OPEN for %s", e.CircuitID)
}

// QuotaExceededError reports a user over the monthly execution allowance
type QuotaExceededError struct {
	UserID string
	Count  int
	Quota  int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly execution quota exceeded for user %s (%d/%d)", e.UserID, e.Count, e.Quota)
}

// ClaimConflictError reports a failed exclusive claim; another worker owns
// the execution. The consumer drops the message silently.
type ClaimConflictError struct {
	ExecutionID string
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("execution %s is claimed by another worker", e.ExecutionID)
}

// ResumePointMissingError reports a resume node id absent from the sorted order
type ResumePointMissingError struct {
	NodeID string
}

func (e *ResumePointMissingError) Error() string {
	return fmt.Sprintf("resume node %s not found in workflow", e.NodeID)
}

// NodeTimeoutError reports a handler attempt that outlived its deadline
type NodeTimeoutError struct {
	NodeID  string
	Timeout time.Duration
}

func (e *NodeTimeoutError) Error() string {
	return fmt.Sprintf("node %s execution timed out after %s", e.NodeID, e.Timeout)
}

// HandlerNotFoundError reports a block type with no registered handler
type HandlerNotFoundError struct {
	NodeID    string
	BlockType string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for block type %q (node %s)", e.BlockType, e.NodeID)
}
