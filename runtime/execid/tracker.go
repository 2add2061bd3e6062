package execid

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Tracker is the in-memory registry of execution records and their
// parent/child relationships. All operations are safe for concurrent use.
// Traversal (Snapshot/RenderTree) observes a consistent view as of the
// moment the call started, achieved here by holding the read lock for the
// duration of the walk.
type Tracker struct {
	mu       sync.RWMutex
	records  map[string]*Record
	children map[string][]string // parent id -> child ids, insertion order
	retain   time.Duration
}

// New constructs a Tracker. retain is how long finished records remain
// eligible for retrieval after completion before Evict may reclaim them; a
// zero value uses the default of one hour.
func New(retain time.Duration) *Tracker {
	if retain <= 0 {
		retain = time.Hour
	}
	return &Tracker{
		records:  make(map[string]*Record),
		children: make(map[string][]string),
		retain:   retain,
	}
}

// StartRoot creates a record with no parent, status RUNNING.
func (t *Tracker) StartRoot(kind Kind, metadata map[string]any) ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := newID(kind, "", false, 0)
	t.records[id.value] = &Record{
		ID:        id,
		Status:    StatusRunning,
		StartedAt: id.created,
		Metadata:  metadata,
	}
	return id
}

// StartChild creates a record whose parent is parentID. It fails with
// ErrUnknownParent if the parent is not tracked.
func (t *Tracker) StartChild(parentID string, kind Kind, metadata map[string]any) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, ok := t.records[parentID]
	if !ok {
		return ID{}, ErrUnknownParent
	}
	id := newID(kind, parentID, true, parent.ID.Depth()+1)
	t.records[id.value] = &Record{
		ID:        id,
		ParentID:  parentID,
		HasParent: true,
		Status:    StatusRunning,
		StartedAt: id.created,
		Metadata:  metadata,
	}
	t.children[parentID] = append(t.children[parentID], id.value)
	return id, nil
}

// Succeed transitions id to SUCCEEDED with the given result. It is
// idempotent: a second call on an already-terminal record is a no-op and
// reports success=false.
func (t *Tracker) Succeed(id string, result any) (success bool, err error) {
	return t.finish(id, StatusSucceeded, result, "")
}

// Fail transitions id to FAILED with the given error description.
// Idempotent like Succeed.
func (t *Tracker) Fail(id string, errDesc string) (success bool, err error) {
	return t.finish(id, StatusFailed, nil, errDesc)
}

// Cancel transitions id to CANCELLED. Idempotent like Succeed.
func (t *Tracker) Cancel(id string) (success bool, err error) {
	return t.finish(id, StatusCancelled, nil, "")
}

func (t *Tracker) finish(id string, status Status, result any, errDesc string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return false, ErrUnknownExecution
	}
	if isTerminal(rec.Status) {
		return false, nil
	}
	now := time.Now()
	rec.Status = status
	rec.EndedAt = &now
	rec.Result = result
	rec.Error = errDesc
	return true, nil
}

func isTerminal(s Status) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Get returns a copy of the record for id.
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns a depth-first pre-order collection of the subtree rooted
// at rootID, including rootID itself.
func (t *Tracker) Snapshot(rootID string) ([]Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.records[rootID]; !ok {
		return nil, ErrUnknownExecution
	}
	var out []Record
	t.walk(rootID, func(r *Record) { out = append(out, *r) })
	return out, nil
}

func (t *Tracker) walk(id string, visit func(*Record)) {
	rec, ok := t.records[id]
	if !ok {
		return
	}
	visit(rec)
	for _, childID := range t.children[id] {
		t.walk(childID, visit)
	}
}

// RenderTree renders the subtree rooted at rootID as an ASCII tree using
// "├──"/"└──" glyphs, one line per record, showing kind, a short id,
// status, and duration when finished.
func (t *Tracker) RenderTree(rootID string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.records[rootID]; !ok {
		return "", ErrUnknownExecution
	}
	var sb strings.Builder
	t.renderNode(&sb, rootID, "", true, true)
	return sb.String(), nil
}

func (t *Tracker) renderNode(sb *strings.Builder, id, prefix string, last, root bool) {
	rec := t.records[id]
	connector := "└── "
	childPrefix := prefix + "    "
	if !last {
		connector = "├── "
		childPrefix = prefix + "│   "
	}
	if root {
		connector = ""
		childPrefix = ""
	}
	sb.WriteString(prefix)
	sb.WriteString(connector)
	sb.WriteString(renderLine(rec))
	sb.WriteString("\n")
	kids := t.children[id]
	for i, childID := range kids {
		t.renderNode(sb, childID, childPrefix, i == len(kids)-1, false)
	}
}

func renderLine(r *Record) string {
	shortID := r.ID.String()
	if idx := strings.IndexByte(shortID, '_'); idx >= 0 && len(shortID) > idx+9 {
		shortID = shortID[:idx+9]
	}
	line := fmt.Sprintf("%s %s [%s]", r.ID.Kind(), shortID, r.Status)
	if r.EndedAt != nil {
		line += fmt.Sprintf(" (%s)", r.Duration().Round(time.Millisecond))
	}
	return line
}

// Evict removes finished records older than the retention window as of
// now, skipping any record whose descendants are still live. Eviction is
// lazy: callers invoke it explicitly (e.g. on a periodic timer) rather
// than have the tracker reclaim memory implicitly on every write.
func (t *Tracker) Evict(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var candidates []string
	for id, rec := range t.records {
		if rec.EndedAt == nil {
			continue
		}
		if now.Sub(*rec.EndedAt) < t.retain {
			continue
		}
		if t.hasLiveDescendant(id) {
			continue
		}
		candidates = append(candidates, id)
	}
	sort.Strings(candidates) // deterministic order for tests
	for _, id := range candidates {
		parent := t.records[id].ParentID
		delete(t.records, id)
		delete(t.children, id)
		t.children[parent] = removeValue(t.children[parent], id)
	}
	return len(candidates)
}

func (t *Tracker) hasLiveDescendant(id string) bool {
	for _, childID := range t.children[id] {
		child, ok := t.records[childID]
		if !ok {
			continue
		}
		if !isTerminal(child.Status) {
			return true
		}
		if t.hasLiveDescendant(childID) {
			return true
		}
	}
	return false
}

func removeValue(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
