// Package projection maintains a derived current-world snapshot (live
// agents, tracked files) from the event stream, so a late-joining
// subscriber can be brought up to date without replaying history.
//
// Modeled on how the teacher's CrossWorkflowEventBus.forwardEvents mutates
// WorkflowInstance fields (RecordHeartbeat, ActiveWorkers++) in response
// to event kinds as they are consumed.
package projection

import (
	"sync"
	"time"

	"github.com/mnemosyne/orchestrator/internal/log"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

// AgentKind identifies the specialization of an agent actor.
type AgentKind string

const (
	KindOrchestrator AgentKind = "orchestrator"
	KindOptimizer    AgentKind = "optimizer"
	KindReviewer     AgentKind = "reviewer"
	KindExecutor     AgentKind = "executor"
)

// AgentState is the lifecycle state of an agent.
type AgentState string

const (
	AgentStarting AgentState = "starting"
	AgentIdle     AgentState = "idle"
	AgentBusy     AgentState = "busy"
	AgentDraining AgentState = "draining"
	AgentDown     AgentState = "down"
)

// AgentRecord is the projected view of a single agent.
type AgentRecord struct {
	ID            string
	Kind          AgentKind
	State         AgentState
	LastHeartbeat time.Time
	WorkItemID    string // empty if idle
	Metadata      map[string]string
}

// TrackedFile is the projected view of a file touched by an agent.
type TrackedFile struct {
	Path         string
	LastAgent    string
	LastModified time.Time
}

// HeartbeatInterval is the period at which agents are expected to emit a
// Heartbeat event; an agent missing two consecutive intervals is Down.
const HeartbeatInterval = 30 * time.Second

// DownAfter is the grace period after which a silent agent is projected
// as Down (2x HeartbeatInterval, per spec).
const DownAfter = 2 * HeartbeatInterval

// Projection consumes events and derives current state. Safe for
// concurrent Apply/Snapshot calls.
type Projection struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
	files  map[string]*TrackedFile
}

// New creates an empty Projection.
func New() *Projection {
	return &Projection{
		agents: make(map[string]*AgentRecord),
		files:  make(map[string]*TrackedFile),
	}
}

// Apply consumes a single event, updating the projected state.
func (p *Projection) Apply(event mnemoevent.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch event.Kind {
	case mnemoevent.KindHeartbeat:
		p.applyHeartbeat(event)
	case mnemoevent.KindAgentStateChanged:
		p.applyStateChange(event)
	case mnemoevent.KindAgentDown:
		if rec, ok := p.agents[event.Producer]; ok {
			rec.State = AgentDown
		}
	case mnemoevent.KindWorkItemAssigned:
		if rec, ok := p.agents[event.Producer]; ok {
			rec.State = AgentBusy
			if id, ok := event.Payload["work_item_id"].(string); ok {
				rec.WorkItemID = id
			}
		}
	case mnemoevent.KindWorkItemCompleted, mnemoevent.KindWorkItemFailed:
		if rec, ok := p.agents[event.Producer]; ok {
			rec.State = AgentIdle
			rec.WorkItemID = ""
		}
	case mnemoevent.KindFileModified:
		if path, ok := event.Payload["path"].(string); ok {
			p.files[path] = &TrackedFile{
				Path:         path,
				LastAgent:    event.Producer,
				LastModified: event.Timestamp,
			}
		}
	}
}

// applyHeartbeat auto-creates an agent as Idle on first heartbeat,
// eliminating the start-up race where a subscriber connects before the
// first periodic heartbeat fires.
func (p *Projection) applyHeartbeat(event mnemoevent.Event) {
	rec, ok := p.agents[event.Producer]
	if !ok {
		kind := KindExecutor
		if k, ok := event.Payload["kind"].(string); ok {
			kind = AgentKind(k)
		}
		rec = &AgentRecord{
			ID:       event.Producer,
			Kind:     kind,
			State:    AgentIdle,
			Metadata: map[string]string{},
		}
		p.agents[event.Producer] = rec
		log.Debug(log.CatProj, "agent auto-created from heartbeat", "agent_id", event.Producer)
	}
	rec.LastHeartbeat = event.Timestamp
}

func (p *Projection) applyStateChange(event mnemoevent.Event) {
	rec, ok := p.agents[event.Producer]
	if !ok {
		return
	}
	if s, ok := event.Payload["state"].(string); ok {
		rec.State = AgentState(s)
	}
}

// SweepDownAgents marks any agent silent for longer than DownAfter as
// Down, relative to now. Called periodically by the supervisor.
func (p *Projection) SweepDownAgents(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var downed []string
	for id, rec := range p.agents {
		if rec.State == AgentDown {
			continue
		}
		if !rec.LastHeartbeat.IsZero() && now.Sub(rec.LastHeartbeat) > DownAfter {
			rec.State = AgentDown
			downed = append(downed, id)
		}
	}
	return downed
}

// Snapshot returns copies of the current agent and file maps and their
// records. Each copied AgentRecord still shares its Metadata map with the
// live record.
func (p *Projection) Snapshot() (agents map[string]AgentRecord, files map[string]TrackedFile) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	agents = make(map[string]AgentRecord, len(p.agents))
	for id, rec := range p.agents {
		agents[id] = *rec
	}
	files = make(map[string]TrackedFile, len(p.files))
	for path, f := range p.files {
		files[path] = *f
	}
	return agents, files
}
