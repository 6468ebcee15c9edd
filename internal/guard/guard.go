// Package guard implements the Branch Guard: admission control for
// branch joins, composing the Branch Registry and the Cross-Process
// Coordinator the way the teacher's controlplane.Supervisor composes a
// Registry with a CrossWorkflowEventBus.
package guard

import (
	"github.com/mnemosyne/orchestrator/internal/branch"
	"github.com/mnemosyne/orchestrator/internal/ipc"
)

// Guard is the single entry point out-of-process and in-process agents
// use to join, switch, and release branch assignments.
type Guard struct {
	registry    *branch.Registry
	coordinator *ipc.Coordinator
}

// New creates a Guard over registry and coordinator. coordinator may be
// nil if cross-process coordination is not configured (in-process-only
// mode).
func New(registry *branch.Registry, coordinator *ipc.Coordinator) *Guard {
	return &Guard{registry: registry, coordinator: coordinator}
}

// Join admits agent onto branchName with the given intent/mode/phase.
// With a coordinator configured it first writes a process registration
// for agent (errors are ignored). It then applies the conflict matrix
// against the registry's assignments only (for the CLI, those hydrated
// from the shared mirror file); the coordinator's process table is not
// consulted. ReadOnly intents are auto-approved by the matrix itself
// (they never conflict except against a FullBranch Isolated holder).
func (g *Guard) Join(agent, branchName string, intent branch.Intent, paths map[string]struct{}, mode branch.Mode, phase branch.Phase, isOrchestrator bool) (branch.Assignment, error) {
	if g.coordinator != nil {
		_, _ = g.coordinator.Register(agent, 0)
	}
	return g.registry.Assign(agent, branchName, intent, paths, mode, phase, isOrchestrator)
}

// Release is idempotent: releasing an agent with no assignment is a
// no-op.
func (g *Guard) Release(agent string) {
	g.registry.Release(agent)
}

// Switch performs release-then-assign atomically under the registry
// lock.
func (g *Guard) Switch(agent, branchName string, intent branch.Intent, paths map[string]struct{}, mode branch.Mode, phase branch.Phase, isOrchestrator bool) (branch.Assignment, error) {
	return g.registry.Switch(agent, branchName, intent, paths, mode, phase, isOrchestrator)
}

// Conflicts lists every assignment on branchName, for the `branch
// conflicts` CLI surface.
func (g *Guard) Conflicts(branchName string) []branch.Assignment {
	return g.registry.List(branchName)
}

// ReleaseDeadProcesses releases every assignment whose owning agent's
// cross-process registration is no longer alive.
func (g *Guard) ReleaseDeadProcesses() {
	if g.coordinator == nil {
		return
	}
	for _, a := range g.registry.List("") {
		if !g.coordinator.IsAlive(a.Agent) {
			g.registry.Release(a.Agent)
		}
	}
}
