// Package execid assigns hierarchical identifiers to every flow, node,
// tool, and LLM call and maintains a live tree of execution records for
// tracing. Ids are opaque strings; the tracker stores parent ids as values
// rather than pointers so traversal never risks a reference cycle and
// records can be evicted independently of their ancestors.
package execid

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind tags what an execution id denotes.
type Kind string

const (
	KindFlow     Kind = "FLOW"
	KindAgent    Kind = "AGENT"
	KindNode     Kind = "NODE"
	KindTool     Kind = "TOOL"
	KindLLM      Kind = "LLM"
	KindParallel Kind = "PARALLEL"
)

// prefix returns the short, human-readable id prefix for a kind.
func (k Kind) prefix() string {
	switch k {
	case KindFlow:
		return "flow"
	case KindAgent:
		return "agent"
	case KindNode:
		return "node"
	case KindTool:
		return "tool"
	case KindLLM:
		return "llm"
	case KindParallel:
		return "par"
	default:
		return "exec"
	}
}

// Status is the lifecycle state of an execution record. Transitions are
// monotonic: PENDING -> RUNNING -> {SUCCEEDED, FAILED, CANCELLED}.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// ID is an immutable, globally-unique-within-process execution identifier.
type ID struct {
	value     string
	parent    string
	hasParent bool
	kind      Kind
	depth     int
	created   time.Time
}

// String returns the opaque id value.
func (id ID) String() string { return id.value }

// Kind returns the id's kind tag.
func (id ID) Kind() Kind { return id.kind }

// Depth returns 0 for a root id, parent.Depth()+1 otherwise.
func (id ID) Depth() int { return id.depth }

// Parent returns the parent id value and whether one exists.
func (id ID) Parent() (string, bool) { return id.parent, id.hasParent }

// CreatedAt returns the construction timestamp.
func (id ID) CreatedAt() time.Time { return id.created }

func newID(kind Kind, parent string, hasParent bool, depth int) ID {
	return ID{
		value:     kind.prefix() + "_" + ulid.Make().String(),
		parent:    parent,
		hasParent: hasParent,
		kind:      kind,
		depth:     depth,
		created:   time.Now(),
	}
}

// Record is the tracker's stored state for one execution id.
type Record struct {
	ID        ID
	ParentID  string
	HasParent bool
	Status    Status
	StartedAt time.Time
	EndedAt   *time.Time
	Result    any
	Error     string
	Metadata  map[string]any
}

// Duration returns the elapsed wall-clock time, or the time since start if
// the record has not yet finished.
func (r Record) Duration() time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// Errors returned by tracker operations. These are not retriable.
var (
	ErrUnknownParent    = errors.New("execid: unknown parent execution")
	ErrUnknownExecution = errors.New("execid: unknown execution")
)
