package agentflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph compilation.
var (
	// ErrInvalidSpec wraps struct-tag violations in a GraphSpec.
	ErrInvalidSpec = errors.New("invalid graph spec")

	// ErrEntryNotFound indicates the entry node or an entry point
	// references a non-existent node.
	ErrEntryNotFound = errors.New("entry node not found")

	// ErrNodeNotFound indicates an edge, route or node list references a
	// non-existent node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateNode indicates two nodes share an id.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrUnreachableNode indicates a node cannot be reached from any entry.
	ErrUnreachableNode = errors.New("unreachable node")

	// ErrInvalidRouter indicates a router node without routes.
	ErrInvalidRouter = errors.New("invalid router")

	// ErrInvalidCondition indicates a conditional edge with a missing or
	// malformed expression.
	ErrInvalidCondition = errors.New("invalid edge condition")

	// ErrInvalidOutputs indicates nullable_output_keys not in output_keys.
	ErrInvalidOutputs = errors.New("invalid output keys")

	// ErrFanOutConflict indicates parallel successors that would clash.
	ErrFanOutConflict = errors.New("fan-out conflict")

	// ErrContextFlow indicates a node reads a key nothing upstream writes.
	ErrContextFlow = errors.New("missing input")

	// ErrForwardCycle indicates forward edges (priority >= 0) form a cycle.
	ErrForwardCycle = errors.New("forward edges form a cycle")
)

// Sentinel errors for execution.
var (
	// ErrNoImplementation indicates a node has neither a registered Node
	// nor a factory that can build it.
	ErrNoImplementation = errors.New("no implementation for node")

	// ErrNoConditionEvaluator indicates a graph compiled
	// WithConditionCompiler and an executor without WithCondition.
	ErrNoConditionEvaluator = errors.New("conditional edges need WithCondition")

	// ErrUnknownEntryPoint indicates WithEntryPoint named an entry point
	// the graph does not declare.
	ErrUnknownEntryPoint = errors.New("unknown entry point")

	// ErrVisitBudgetExceeded is wrapped by VisitBudgetExceededError.
	ErrVisitBudgetExceeded = errors.New("visit budget exceeded")

	// ErrNoMatchingEdge is wrapped by EdgeResolutionError.
	ErrNoMatchingEdge = errors.New("no matching edge")

	// ErrMaxSteps is wrapped by MaxStepsError.
	ErrMaxSteps = errors.New("exceeded maximum steps")
)

// Sentinel errors for checkpointing and resume.
var (
	// ErrNoCheckpointStore indicates Resume without WithCheckpointStore.
	ErrNoCheckpointStore = errors.New("no checkpoint store configured")

	// ErrRunFinished indicates Resume of a run that has nothing left to do.
	ErrRunFinished = errors.New("run already finished")

	// ErrInvalidResumeNode indicates the checkpoint names a node the graph
	// does not have.
	ErrInvalidResumeNode = errors.New("invalid resume node")
)

// CheckpointError wraps errors from checkpoint operations.
type CheckpointError struct {
	// NodeID is the node where checkpointing failed.
	NodeID string
	// Op is the operation that failed ("save", "load").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s at node %s: %v", e.Op, e.NodeID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// NodeError is a run failing because a node failed with no edge to take.
type NodeError struct {
	// NodeID is the identifier of the node that failed.
	NodeID string
	// Op is the operation that failed (e.g., "execute", "build").
	Op string
	// Err carries the node's error text.
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s: %v", e.NodeID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// PanicError captures panic information from node execution.
// It includes the stack trace for debugging.
type PanicError struct {
	// NodeID is the identifier of the node that panicked.
	NodeID string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}

// CancellationError reports a run stopped because its context ended.
type CancellationError struct {
	// NodeID is the node that was about to execute or was executing.
	NodeID string
	// Cause is context.Canceled or context.DeadlineExceeded.
	Cause error
	// WasExecuting is true if cancellation interrupted the node.
	WasExecuting bool
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	if e.WasExecuting {
		return fmt.Sprintf("cancelled during node %s: %v", e.NodeID, e.Cause)
	}
	return fmt.Sprintf("cancelled before node %s: %v", e.NodeID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// VisitBudgetExceededError reports entering a node past max_node_visits.
type VisitBudgetExceededError struct {
	NodeID string
	Budget int
}

// Error implements the error interface.
func (e *VisitBudgetExceededError) Error() string {
	return fmt.Sprintf("visit budget exceeded: node %s allows %d visit(s)", e.NodeID, e.Budget)
}

// Unwrap returns ErrVisitBudgetExceeded for errors.Is support.
func (e *VisitBudgetExceededError) Unwrap() error {
	return ErrVisitBudgetExceeded
}

// EdgeResolutionError reports that no next node could be chosen.
type EdgeResolutionError struct {
	// FromNode is the node whose edges were evaluated.
	FromNode string
	// Route is the route a router node returned, if any.
	Route string
	// Err is a condition evaluation error. Nil when nothing matched.
	Err error
}

// Error implements the error interface.
func (e *EdgeResolutionError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("no matching edge from %s: %v", e.FromNode, e.Err)
	case e.Route != "":
		return fmt.Sprintf("no matching edge from %s: unknown route %q", e.FromNode, e.Route)
	default:
		return fmt.Sprintf("no matching edge from %s", e.FromNode)
	}
}

// Unwrap returns ErrNoMatchingEdge for errors.Is support. A condition
// error is reachable through errors.As on the error itself.
func (e *EdgeResolutionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrNoMatchingEdge, e.Err}
	}
	return []error{ErrNoMatchingEdge}
}

// MaxStepsError reports a run exceeding max_steps.
type MaxStepsError struct {
	// Max is the configured step limit.
	Max int
	// LastNodeID is the node that would have executed next.
	LastNodeID string
}

// Error implements the error interface.
func (e *MaxStepsError) Error() string {
	return fmt.Sprintf("exceeded maximum steps (%d) at node %s", e.Max, e.LastNodeID)
}

// Unwrap returns ErrMaxSteps for errors.Is support.
func (e *MaxStepsError) Unwrap() error {
	return ErrMaxSteps
}
