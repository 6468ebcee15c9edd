// Package orchestrator implements the Orchestrator actor: it owns the
// work queue and agent directory, dispatches Ready items to free agents,
// and runs the periodic deadlock detector. Grounded on the teacher's
// controlplane.ControlPlane interface/actor shape.
package orchestrator

import (
	"context"
	"time"

	"github.com/mnemosyne/orchestrator/internal/agent"
	"github.com/mnemosyne/orchestrator/internal/log"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
	"github.com/mnemosyne/orchestrator/internal/workqueue"
)

type subscriber interface {
	Subscribe(ctx context.Context) <-chan mnemoevent.Event
}

// DeadlockCheckInterval is the cadence of the SCC deadlock pass.
const DeadlockCheckInterval = 60 * time.Second

type publisher interface {
	Publish(mnemoevent.Event)
}

// Orchestrator dispatches work items to a pool of agents and runs the
// deadlock detector.
type Orchestrator struct {
	queue  *workqueue.Queue
	agents map[string]*agent.Agent // executors available for assignment
	bus    publisher
	sub    subscriber // optional: bus also satisfying Subscribe, for completion tracking

	cycleStreak int // consecutive deadlock passes with unresolved cycles
}

// New creates an Orchestrator over queue with no executors; add them with
// RegisterExecutor.
func New(queue *workqueue.Queue, bus publisher) *Orchestrator {
	o := &Orchestrator{
		queue:  queue,
		agents: make(map[string]*agent.Agent),
		bus:    bus,
	}
	if sub, ok := bus.(subscriber); ok {
		o.sub = sub
	}
	return o
}

// RegisterExecutor adds an executor agent to the assignment pool.
func (o *Orchestrator) RegisterExecutor(a *agent.Agent) {
	o.agents[a.ID] = a
}

// Submit validates and inserts a work item, per workqueue.Queue.Submit.
func (o *Orchestrator) Submit(item *workqueue.Item) error {
	return o.queue.Submit(item)
}

// Resubmit re-runs a permanently Failed root item, per workqueue.Queue.Resubmit.
// Dependents that root's failure cascaded to Blocked only return to
// Pending once this re-run Completes.
func (o *Orchestrator) Resubmit(id string) error {
	return o.queue.Resubmit(id)
}

// Run drives dispatch and deadlock detection until ctx is cancelled.
// dispatchInterval controls how often a free-slot scan runs; the
// deadlock pass always runs at DeadlockCheckInterval regardless.
func (o *Orchestrator) Run(ctx context.Context, dispatchInterval time.Duration) {
	if dispatchInterval <= 0 {
		dispatchInterval = time.Second
	}
	dispatchTicker := time.NewTicker(dispatchInterval)
	defer dispatchTicker.Stop()

	deadlockTicker := time.NewTicker(DeadlockCheckInterval)
	defer deadlockTicker.Stop()

	var completions <-chan mnemoevent.Event
	if o.sub != nil {
		completions = o.sub.Subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-dispatchTicker.C:
			o.dispatch()
		case <-deadlockTicker.C:
			o.runDeadlockPass()
		case ev, ok := <-completions:
			if !ok {
				completions = nil
				continue
			}
			o.handleAgentEvent(ev)
		}
	}
}

// handleAgentEvent folds a work-item outcome reported by an agent back
// into the queue, so dependents reevaluate and retries/cascades fire.
// Agents own substantive success/failure but not queue bookkeeping.
func (o *Orchestrator) handleAgentEvent(ev mnemoevent.Event) {
	id, _ := ev.Payload["work_item_id"].(string)
	if id == "" || ev.Producer == "orchestrator" {
		return // the queue's own WorkItem* events are not agent outcomes
	}
	switch ev.Kind {
	case mnemoevent.KindWorkItemCompleted:
		if err := o.queue.Complete(id); err != nil {
			log.ErrorErr(log.CatOrch, "failed to mark work item complete", err, "work_item_id", id)
		}
	case mnemoevent.KindWorkItemFailed:
		reason, _ := ev.Payload["reason"].(string)
		if err := o.queue.Fail(id, reason, false); err != nil {
			log.ErrorErr(log.CatOrch, "failed to mark work item failed", err, "work_item_id", id)
		}
	}
}

// dispatch assigns Ready items to idle agents.
func (o *Orchestrator) dispatch() {
	for _, a := range o.agents {
		if a.State() != agent.StateIdle {
			continue
		}
		item, ok := o.queue.Assign(a.ID)
		if !ok {
			return // no Ready items left
		}
		a.Mailbox() <- agent.Message{Assign: item}
	}
}

// runDeadlockPass executes one SCC detection pass every DeadlockCheckInterval
// and unconditionally preempts the lowest-priority member of each cycle
// found. When two or more consecutive passes find cycles, every pass from
// the second on also publishes DeadlockDetected (importance 9); the streak
// resets once a pass finds no cycles.
func (o *Orchestrator) runDeadlockPass() {
	resolved, remaining := o.queue.DetectAndResolveCycles()
	for _, id := range resolved {
		log.Info(log.CatOrch, "resolved deadlock via priority preemption", "work_item_id", id)
		o.publish(mnemoevent.KindDeadlockResolved, 6, map[string]any{"work_item_id": id})
	}

	if len(remaining) > 0 {
		o.cycleStreak++
		if o.cycleStreak > 1 {
			o.publish(mnemoevent.KindDeadlockDetected, 9, map[string]any{"cycle_count": len(remaining)})
		}
	} else {
		o.cycleStreak = 0
	}
}

func (o *Orchestrator) publish(kind mnemoevent.Kind, importance int, payload map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(mnemoevent.New("orchestrator", 0, kind, importance, payload))
}
