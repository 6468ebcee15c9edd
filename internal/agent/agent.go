// Package agent implements the supervised agent actors (Orchestrator,
// Optimizer, Reviewer, Executor): mailbox-driven processors with
// heartbeats, generalized from the teacher's pool.Worker/WorkerPool
// (mailbox + status machine + panic-recovered goroutine + broker-
// published lifecycle events) from AI-process workers to phase-
// specialized orchestration agents.
package agent

import (
	"context"
	"time"

	"github.com/mnemosyne/orchestrator/internal/log"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
	"github.com/mnemosyne/orchestrator/internal/workqueue"
)

// Kind identifies an agent's phase specialization.
type Kind string

const (
	KindOrchestrator Kind = "orchestrator"
	KindOptimizer    Kind = "optimizer"
	KindReviewer     Kind = "reviewer"
	KindExecutor     Kind = "executor"
)

// State is an agent's lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateDraining State = "draining"
	StateDown     State = "down"
)

// HeartbeatInterval matches projection.HeartbeatInterval.
const HeartbeatInterval = 30 * time.Second

// Phase work is externally provided (an LLM service); Processor is the
// seam the per-phase substantive work plugs into. The actor contract is
// the message protocol and event emission around it, not the work
// itself.
type Processor interface {
	Process(ctx context.Context, item *workqueue.Item) error
}

// Message is the mailbox envelope. Exactly one of the fields is set,
// matching the closed set of message types an agent handles.
type Message struct {
	Assign   *workqueue.Item
	Cancel   *workqueue.Item
	Shutdown *ShutdownRequest
}

// ShutdownRequest carries a drain deadline.
type ShutdownRequest struct {
	Deadline time.Duration
	Done     chan struct{}
}

type publisher interface {
	Publish(mnemoevent.Event)
}

// Agent is a single mailbox-driven actor.
type Agent struct {
	ID        string
	Kind      Kind
	processor Processor
	bus       publisher
	mailbox   chan Message

	state State
}

// New creates an Agent with a buffered mailbox.
func New(id string, kind Kind, processor Processor, bus publisher) *Agent {
	return &Agent{
		ID:        id,
		Kind:      kind,
		processor: processor,
		bus:       bus,
		mailbox:   make(chan Message, 16),
		state:     StateStarting,
	}
}

// Mailbox exposes the send side for the orchestrator/supervisor.
func (a *Agent) Mailbox() chan<- Message {
	return a.mailbox
}

// Run is the actor's main loop: publishes an immediate heartbeat (so the
// first periodic interval never leaves the state projection stale),
// then alternates between mailbox messages and its own 30s heartbeat
// ticker until ctx is cancelled or a Shutdown message arrives.
func (a *Agent) Run(ctx context.Context) {
	a.publishHeartbeat()
	a.setState(StateIdle)

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publishHeartbeat()
		case msg := <-a.mailbox:
			if a.handle(ctx, msg) {
				return
			}
		}
	}
}

// handle processes one mailbox message, returning true if the actor
// should stop running (a Shutdown message was handled).
func (a *Agent) handle(ctx context.Context, msg Message) bool {
	switch {
	case msg.Assign != nil:
		a.runAssignment(ctx, msg.Assign)
	case msg.Cancel != nil:
		a.publish(mnemoevent.KindWorkItemFailed, map[string]any{"work_item_id": msg.Cancel.ID, "reason": "cancelled"})
	case msg.Shutdown != nil:
		a.setState(StateDraining)
		drainCtx, cancel := context.WithTimeout(ctx, msg.Shutdown.Deadline)
		defer cancel()
		<-drainCtx.Done()
		a.setState(StateDown)
		if msg.Shutdown.Done != nil {
			close(msg.Shutdown.Done)
		}
		return true
	}
	return false
}

func (a *Agent) runAssignment(ctx context.Context, item *workqueue.Item) {
	a.setState(StateBusy)
	a.publish(mnemoevent.KindWorkItemStarted, map[string]any{"work_item_id": item.ID})

	err := a.processor.Process(ctx, item)

	if err != nil {
		log.ErrorErr(log.CatAgent, "agent failed work item", err, "agent_id", a.ID, "work_item_id", item.ID)
		a.publish(mnemoevent.KindWorkItemFailed, map[string]any{"work_item_id": item.ID, "reason": err.Error()})
	} else {
		a.publish(mnemoevent.KindWorkItemCompleted, map[string]any{"work_item_id": item.ID})
	}

	a.setState(StateIdle)
}

func (a *Agent) setState(s State) {
	a.state = s
	a.publish(mnemoevent.KindAgentStateChanged, map[string]any{"state": string(s), "kind": string(a.Kind)})
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State { return a.state }

func (a *Agent) publishHeartbeat() {
	a.publish(mnemoevent.KindHeartbeat, map[string]any{"kind": string(a.Kind)})
}

func (a *Agent) publish(kind mnemoevent.Kind, payload map[string]any) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(mnemoevent.New(a.ID, 0, kind, 2, payload))
}
