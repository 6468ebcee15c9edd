// Package branch implements the Branch Registry: the authoritative map
// from agent to branch assignment, the conflict-matrix arbitration used
// by both in-process callers and the Branch Guard, and a buffered JSON
// mirror of the in-memory state under .mnemosyne/branch_registry.json.
//
// The map/mutex/Put-Get-Update-List-Remove shape is grounded on the
// teacher's controlplane.Registry interface and inMemoryRegistry,
// generalized from workflow instances to branch assignments.
package branch

import (
	"fmt"
	"sync"
	"time"

	"github.com/mnemosyne/orchestrator/internal/log"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

// Intent is the kind of claim an agent holds on a branch.
type Intent int

const (
	ReadOnly Intent = iota
	Write
	FullBranch
)

func (i Intent) String() string {
	switch i {
	case ReadOnly:
		return "read_only"
	case Write:
		return "write"
	case FullBranch:
		return "full_branch"
	default:
		return "unknown"
	}
}

// ParseIntent parses the String() form back into an Intent.
func ParseIntent(s string) (Intent, error) {
	switch s {
	case "read_only":
		return ReadOnly, nil
	case "write":
		return Write, nil
	case "full_branch":
		return FullBranch, nil
	default:
		return 0, fmt.Errorf("%w: unknown intent %q", mnemoevent.ErrMalformed, s)
	}
}

// Mode is the exclusion mode of an assignment.
type Mode int

const (
	Isolated Mode = iota
	Coordinated
)

func (m Mode) String() string {
	if m == Isolated {
		return "isolated"
	}
	return "coordinated"
}

// ParseMode parses the String() form back into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "isolated":
		return Isolated, nil
	case "coordinated":
		return Coordinated, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", mnemoevent.ErrMalformed, s)
	}
}

// Phase is the work-item pipeline phase an assignment was made under; it
// scales the assignment's TTL.
type Phase int

const (
	PromptToSpec Phase = iota
	SpecToFullSpec
	FullSpecToPlan
	PlanToArtifacts
)

func (p Phase) String() string {
	switch p {
	case PromptToSpec:
		return "prompt_to_spec"
	case SpecToFullSpec:
		return "spec_to_full_spec"
	case FullSpecToPlan:
		return "full_spec_to_plan"
	case PlanToArtifacts:
		return "plan_to_artifacts"
	default:
		return "unknown"
	}
}

// ParsePhase parses the String() form back into a Phase.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "prompt_to_spec":
		return PromptToSpec, nil
	case "spec_to_full_spec":
		return SpecToFullSpec, nil
	case "full_spec_to_plan":
		return FullSpecToPlan, nil
	case "plan_to_artifacts":
		return PlanToArtifacts, nil
	default:
		return 0, fmt.Errorf("%w: unknown phase %q", mnemoevent.ErrMalformed, s)
	}
}

// BaseTTL is the unscaled assignment lifetime.
const BaseTTL = time.Hour

// phaseMultiplier returns the TTL multiplier for a phase, per spec §3.
func phaseMultiplier(p Phase) float64 {
	switch p {
	case PromptToSpec:
		return 0.5
	case SpecToFullSpec:
		return 1.0
	case FullSpecToPlan:
		return 0.5
	case PlanToArtifacts:
		return 2.0
	default:
		return 1.0
	}
}

// Assignment is one agent's claim on a branch.
type Assignment struct {
	Agent       string
	Branch      string
	Intent      Intent
	Paths       map[string]struct{} // populated only when Intent == Write
	Mode        Mode
	Phase       Phase
	AssignedAt  time.Time
	ExpiresAt   time.Time
	Signature   string
}

// Conflict describes a rejected assignment attempt.
type Conflict struct {
	Branch        string
	RequestingAgent string
	OffendingAgent  string
	OverlapPaths    []string
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("%v: agent %s conflicts with %s on branch %s", mnemoevent.ErrConflict, c.RequestingAgent, c.OffendingAgent, c.Branch)
}

func (c *Conflict) Unwrap() error { return mnemoevent.ErrConflict }

// Mirror persists the registry's assignment map; implemented by
// JSONMirror (mirror.go), a buffered JSON writer over
// .mnemosyne/branch_registry.json.
type Mirror interface {
	Save(assignments map[string]Assignment) error
}

// Registry is the authoritative in-memory branch-assignment table.
type Registry struct {
	mu          sync.Mutex
	assignments map[string]Assignment // keyed by agent ID
	mirror      Mirror
	bypassFlag  func() bool // Orchestrator-kind agents may bypass conflict checks
	bus         eventPublisher
}

type eventPublisher interface {
	Publish(mnemoevent.Event)
}

// New creates an empty Registry. bypass, if non-nil, is consulted before
// enforcing the conflict matrix for agents whose kind is Orchestrator.
func New(mirror Mirror, bypass func() bool) *Registry {
	return &Registry{
		assignments: make(map[string]Assignment),
		mirror:      mirror,
		bypassFlag:  bypass,
	}
}

// SetBus wires an event publisher so mutations emit BranchAssigned /
// BranchReleased / BranchConflict events.
func (r *Registry) SetBus(bus eventPublisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bus = bus
}

// Hydrate seeds the registry from a previously persisted assignment map,
// as read by Load. Used by out-of-process callers (the CLI) that share
// the daemon's mirror file rather than its in-memory process.
func (r *Registry) Hydrate(assignments map[string]Assignment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments = assignments
}

// Assign attempts to add a new assignment, applying the conflict matrix
// against every existing assignment on the same branch. isOrchestrator
// indicates whether the requesting agent is an Orchestrator-kind agent
// eligible for the bypass flag.
func (r *Registry) Assign(agent, branchName string, intent Intent, paths map[string]struct{}, mode Mode, phase Phase, isOrchestrator bool) (Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assignLocked(agent, branchName, intent, paths, mode, phase, isOrchestrator)
}

// assignLocked is the body of Assign; the caller holds r.mu.
func (r *Registry) assignLocked(agent, branchName string, intent Intent, paths map[string]struct{}, mode Mode, phase Phase, isOrchestrator bool) (Assignment, error) {
	bypass := isOrchestrator && r.bypassFlag != nil && r.bypassFlag()

	if !bypass {
		for _, existing := range r.assignments {
			if existing.Branch != branchName || existing.Agent == agent {
				continue
			}
			if conflicts(existing, intent, paths, mode) {
				overlap := overlapPaths(existing, paths)
				r.publish(mnemoevent.KindBranchConflict, agent, map[string]any{
					"branch": branchName, "offending_agent": existing.Agent, "overlap": overlap,
				})
				return Assignment{}, &Conflict{Branch: branchName, RequestingAgent: agent, OffendingAgent: existing.Agent, OverlapPaths: overlap}
			}
		}
	}

	now := time.Now()
	ttl := time.Duration(float64(BaseTTL) * phaseMultiplier(phase))
	a := Assignment{
		Agent:      agent,
		Branch:     branchName,
		Intent:     intent,
		Paths:      paths,
		Mode:       mode,
		Phase:      phase,
		AssignedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	r.assignments[agent] = a
	r.persist()
	r.publish(mnemoevent.KindBranchAssigned, agent, map[string]any{"branch": branchName, "intent": intent.String(), "mode": mode.String()})
	return a, nil
}

// Release removes agent's assignment, if any. Idempotent.
func (r *Registry) Release(agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.assignments[agent]; !ok {
		return
	}
	delete(r.assignments, agent)
	r.persist()
	r.publish(mnemoevent.KindBranchReleased, agent, nil)
}

// Switch atomically releases agent's current assignment and assigns a new
// one, holding the registry lock for the whole operation.
func (r *Registry) Switch(agent, branchName string, intent Intent, paths map[string]struct{}, mode Mode, phase Phase, isOrchestrator bool) (Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assignments, agent)
	return r.assignLocked(agent, branchName, intent, paths, mode, phase, isOrchestrator)
}

// List returns every assignment, optionally filtered to one branch.
func (r *Registry) List(branchName string) []Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Assignment
	for _, a := range r.assignments {
		if branchName == "" || a.Branch == branchName {
			out = append(out, a)
		}
	}
	return out
}

// Get returns agent's current assignment, if any.
func (r *Registry) Get(agent string) (Assignment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assignments[agent]
	return a, ok
}

// PruneExpired removes every assignment whose ExpiresAt is at or before
// now.
func (r *Registry) PruneExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for agent, a := range r.assignments {
		if !a.ExpiresAt.After(now) {
			delete(r.assignments, agent)
			pruned++
		}
	}
	if pruned > 0 {
		r.persist()
	}
	return pruned
}

func (r *Registry) persist() {
	if r.mirror == nil {
		return
	}
	snapshot := make(map[string]Assignment, len(r.assignments))
	for k, v := range r.assignments {
		snapshot[k] = v
	}
	if err := r.mirror.Save(snapshot); err != nil {
		log.ErrorErr(log.CatBranch, "failed to persist branch registry mirror", err)
	}
}

func (r *Registry) publish(kind mnemoevent.Kind, agent string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	r.bus.Publish(mnemoevent.New(agent, 0, kind, 4, payload))
}

// conflicts implements the conflict matrix of spec §4.5. existing is the
// current holder; intent/paths/mode describe the requested assignment.
func conflicts(existing Assignment, newIntent Intent, newPaths map[string]struct{}, newMode Mode) bool {
	switch existing.Intent {
	case ReadOnly:
		return newIntent == FullBranch && newMode == Isolated
	case Write:
		switch newIntent {
		case ReadOnly:
			return false
		case Write:
			return pathsOverlap(existing.Paths, newPaths)
		case FullBranch:
			if newMode == Isolated {
				return true
			}
			// FullBranch Coordinated vs Write: conflict iff paths overlap.
			// Open question: an empty path set on either side is treated
			// as no overlap (see DESIGN.md).
			return pathsOverlap(existing.Paths, newPaths)
		}
	case FullBranch:
		if existing.Mode == Isolated {
			return true
		}
		// FullBranch Coordinated existing holder.
		switch newIntent {
		case ReadOnly:
			return false
		case Write:
			return false // ok (coord)
		case FullBranch:
			return newMode == Isolated
		}
	}
	return false
}

func pathsOverlap(a, b map[string]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for p := range a {
		if _, ok := b[p]; ok {
			return true
		}
	}
	return false
}

func overlapPaths(existing Assignment, newPaths map[string]struct{}) []string {
	var out []string
	for p := range existing.Paths {
		if _, ok := newPaths[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
