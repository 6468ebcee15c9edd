// Package workqueue implements the priority + dependency work queue:
// a min-heap keyed by (priority, submit_time) plus a dependency graph used
// for readiness evaluation and strongly-connected-component deadlock
// detection. Grounded on the teacher's controlplane.ControlPlane actor
// shape and internal/orchestration/queue.MessageQueue's FIFO queue,
// generalized to priority + dependencies.
package workqueue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

// Phase is a pipeline stage a WorkItem moves through.
type Phase string

const (
	PromptToSpec    Phase = "prompt_to_spec"
	SpecToFullSpec  Phase = "spec_to_full_spec"
	FullSpecToPlan  Phase = "full_spec_to_plan"
	PlanToArtifacts Phase = "plan_to_artifacts"
)

// ValidPhases is the ordered pipeline.
var ValidPhases = []Phase{PromptToSpec, SpecToFullSpec, FullSpecToPlan, PlanToArtifacts}

func isValidPhase(p Phase) bool {
	for _, vp := range ValidPhases {
		if vp == p {
			return true
		}
	}
	return false
}

// Status is a WorkItem's lifecycle status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// MaxRetries is the default retry budget for transient failures.
const MaxRetries = 2

// Item is a unit of scheduled work moving through the phase pipeline.
type Item struct {
	ID            string
	Description   string
	Phase         Phase
	Priority      int // 0 is highest
	Dependencies  map[string]struct{}
	Status        Status
	Owner         string // agent ID, empty if unowned
	SubmittedAt   time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	RetryCount    int
	FailureReason string
	BlockedOn     string // root-cause item ID, when Blocked via cascade
	Branch        string // branch the item's file-mutating work lands on, if any

	heapIndex int
}

// New creates a Pending item; Submit moves it to Ready when it has no
// unmet dependencies.
func New(description string, phase Phase, priority int, deps map[string]struct{}) (*Item, error) {
	if !isValidPhase(phase) {
		return nil, fmt.Errorf("%w: invalid phase %q", mnemoevent.ErrMalformed, phase)
	}
	item := &Item{
		ID:           uuid.New().String(),
		Description:  description,
		Phase:        phase,
		Priority:     priority,
		Dependencies: deps,
		Status:       StatusPending,
		SubmittedAt:  time.Now(),
	}
	return item, nil
}

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].SubmittedAt.Before(h[j].SubmittedAt)
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex, h[j].heapIndex = i, j
}
func (h *itemHeap) Push(x any) {
	item := x.(*Item)
	item.heapIndex = len(*h)
	*h = append(*h, item)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type publisher interface {
	Publish(mnemoevent.Event)
}

// Queue owns the full item table and the ready-heap, serialized behind a
// single mutex (per spec §5: "the branch registry serializes all
// mutations behind a single lock" — the same discipline applies here).
type Queue struct {
	mu    sync.Mutex
	items map[string]*Item
	ready itemHeap
	bus   publisher
}

// NewQueue creates an empty Queue. bus, if non-nil, receives WorkItem*
// lifecycle events.
func NewQueue(bus publisher) *Queue {
	return &Queue{items: make(map[string]*Item), bus: bus}
}

// Submit validates and inserts item. Rejects a duplicate ID.
func (q *Queue) Submit(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[item.ID]; exists {
		return fmt.Errorf("%w: work item %s already submitted", mnemoevent.ErrMalformed, item.ID)
	}
	if !isValidPhase(item.Phase) {
		return fmt.Errorf("%w: invalid phase %q", mnemoevent.ErrMalformed, item.Phase)
	}

	q.items[item.ID] = item
	q.publish(mnemoevent.KindWorkItemSubmitted, item)

	if q.dependenciesCompleted(item) {
		item.Status = StatusReady
		heap.Push(&q.ready, item)
		q.publish(mnemoevent.KindWorkItemReady, item)
	}
	return nil
}

func (q *Queue) dependenciesCompleted(item *Item) bool {
	for dep := range item.Dependencies {
		depItem, ok := q.items[dep]
		if !ok || depItem.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Assign pops the highest-priority Ready item (if any) and assigns it to
// owner, transitioning Ready -> InFlight.
func (q *Queue) Assign(owner string) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ready.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.ready).(*Item)
	item.Status = StatusInFlight
	item.Owner = owner
	item.StartedAt = time.Now()
	q.publish(mnemoevent.KindWorkItemAssigned, item)
	return item, true
}

// Complete marks id Completed and re-evaluates dependents. If id was
// previously re-run after a permanent failure (via Resubmit), this also
// revives the dependents that failure had cascaded to Blocked, per spec:
// a cascaded Blocked dependent becomes Ready again only once its root
// cause is re-run successfully.
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: work item %s", mnemoevent.ErrNotFound, id)
	}
	item.Status = StatusCompleted
	item.FinishedAt = time.Now()
	item.Owner = ""
	q.publish(mnemoevent.KindWorkItemCompleted, item)

	q.reviveBlocked(id)
	q.reevaluateDependents(id)
	return nil
}

// Resubmit moves a permanently Failed item back to Ready for a fresh
// run, resetting its retry budget and failure reason. It does not by
// itself revive any dependents that item's earlier failure cascaded to
// Blocked; that only happens when this re-run later Completes (see
// Complete's reviveBlocked call), per spec.md:114.
func (q *Queue) Resubmit(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: work item %s", mnemoevent.ErrNotFound, id)
	}
	if item.Status != StatusFailed {
		return fmt.Errorf("%w: work item %s is not failed", mnemoevent.ErrMalformed, id)
	}

	item.Status = StatusReady
	item.RetryCount = 0
	item.FailureReason = ""
	item.FinishedAt = time.Time{}
	heap.Push(&q.ready, item)
	q.publish(mnemoevent.KindWorkItemReady, item)
	return nil
}

// Fail marks id Failed or retries it, per retry policy, and cascades
// Blocked to dependents on permanent failure.
func (q *Queue) Fail(id, reason string, permanent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: work item %s", mnemoevent.ErrNotFound, id)
	}
	item.FailureReason = reason

	if !permanent && item.RetryCount < MaxRetries {
		item.RetryCount++
		item.Status = StatusReady
		item.Owner = ""
		heap.Push(&q.ready, item)
		q.publish(mnemoevent.KindWorkItemRetried, item)
		return nil
	}

	item.Status = StatusFailed
	item.FinishedAt = time.Now()
	item.Owner = ""
	q.publish(mnemoevent.KindWorkItemFailed, item)
	q.cascadeBlocked(id, id)
	return nil
}

func (q *Queue) cascadeBlocked(rootID, failedID string) {
	for _, item := range q.items {
		if _, dependsOnFailed := item.Dependencies[failedID]; dependsOnFailed && item.Status != StatusCompleted && item.Status != StatusFailed {
			item.Status = StatusBlocked
			item.BlockedOn = rootID
			q.publish(mnemoevent.KindWorkItemBlocked, item)
			q.cascadeBlocked(rootID, item.ID)
		}
	}
}

// reviveBlocked returns every item cascaded to Blocked by rootID's
// earlier failure back to Pending, now that rootID has completed
// successfully on this re-run. It does not itself promote them to
// Ready: reevaluateDependents (called right after, and transitively as
// each revived item later completes in turn) does that once every
// dependency is actually satisfied.
func (q *Queue) reviveBlocked(rootID string) {
	for _, item := range q.items {
		if item.Status == StatusBlocked && item.BlockedOn == rootID {
			item.Status = StatusPending
			item.BlockedOn = ""
		}
	}
}

func (q *Queue) reevaluateDependents(completedID string) {
	for _, item := range q.items {
		if item.Status != StatusPending {
			continue
		}
		if _, dependsOnCompleted := item.Dependencies[completedID]; dependsOnCompleted && q.dependenciesCompleted(item) {
			item.Status = StatusReady
			heap.Push(&q.ready, item)
			q.publish(mnemoevent.KindWorkItemReady, item)
		}
	}
}

// Get returns item by ID.
func (q *Queue) Get(id string) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	return item, ok
}

// Snapshot returns every item, for deadlock detection and introspection.
func (q *Queue) Snapshot() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Item, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item)
	}
	return out
}

func (q *Queue) publish(kind mnemoevent.Kind, item *Item) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(mnemoevent.New("orchestrator", 0, kind, 3, map[string]any{
		"work_item_id": item.ID, "phase": string(item.Phase), "status": string(item.Status),
	}))
}

// ResolveDeadlock re-reads the item with the given ID while holding the
// lock and marks it Blocked with a deadlock reason. Used by the deadlock
// detector after it has selected the preemption victim.
func (q *Queue) ResolveDeadlock(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return
	}
	item.Status = StatusBlocked
	item.BlockedOn = "deadlock preemption"
	item.FailureReason = "deadlock preemption"
	q.publish(mnemoevent.KindWorkItemBlocked, item)
}
