package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mnemosyne/orchestrator/internal/branch"
	"github.com/mnemosyne/orchestrator/internal/eventbus"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

// fakeRegistry implements the registry seam with a fixed set of
// assignments, so tests can exercise path-overlap detection without
// spinning up a full branch.Registry.
type fakeRegistry struct {
	byAgent  map[string]branch.Assignment
	byBranch map[string][]branch.Assignment
}

func newFakeRegistry(assignments ...branch.Assignment) *fakeRegistry {
	r := &fakeRegistry{
		byAgent:  make(map[string]branch.Assignment),
		byBranch: make(map[string][]branch.Assignment),
	}
	for _, a := range assignments {
		r.byAgent[a.Agent] = a
		r.byBranch[a.Branch] = append(r.byBranch[a.Branch], a)
	}
	return r
}

func (r *fakeRegistry) Get(agent string) (branch.Assignment, bool) {
	a, ok := r.byAgent[agent]
	return a, ok
}

func (r *fakeRegistry) List(branchName string) []branch.Assignment {
	return r.byBranch[branchName]
}

func coordinatedAssignment(agent, branchName string, paths ...string) branch.Assignment {
	pathSet := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		pathSet[p] = struct{}{}
	}
	return branch.Assignment{Agent: agent, Branch: branchName, Intent: branch.Write, Paths: pathSet, Mode: branch.Coordinated}
}

func TestNotifier_OnSaveFiresWithinDeadline(t *testing.T) {
	bus := eventbus.New(100)
	out := eventbus.New(100)
	reg := newFakeRegistry(
		coordinatedAssignment("a1", "main", "x.go"),
		coordinatedAssignment("a2", "main", "x.go"),
	)

	n := New(bus, out, reg, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	outCh := out.Subscribe(ctx)

	bus.Publish(mnemoevent.New("a1", 1, mnemoevent.KindFileModified, 4, map[string]any{
		"path": "x.go",
	}))

	select {
	case ev := <-outCh:
		require.Equal(t, mnemoevent.KindConflictNotifiedSave, ev.Kind)
		require.Equal(t, "main", ev.Payload["branch"])
	case <-time.After(time.Second):
		t.Fatal("expected on-save notification within 250ms")
	}
}

func TestNotifier_IsolatedAssignmentNeverConflicts(t *testing.T) {
	bus := eventbus.New(100)
	out := eventbus.New(100)
	isolated := coordinatedAssignment("a1", "main", "x.go")
	isolated.Mode = branch.Isolated
	reg := newFakeRegistry(isolated, coordinatedAssignment("a2", "main", "x.go"))

	n := New(bus, out, reg, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	outCh := out.Subscribe(ctx)

	bus.Publish(mnemoevent.New("a1", 1, mnemoevent.KindFileModified, 4, map[string]any{
		"path": "x.go",
	}))

	select {
	case ev := <-outCh:
		t.Fatalf("expected no notification for an isolated assignment, got %v", ev.Kind)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestNotifier_SessionEndSummarizesAgentConflicts(t *testing.T) {
	bus := eventbus.New(100)
	out := eventbus.New(100)
	reg := newFakeRegistry(
		coordinatedAssignment("a1", "main", "x.go"),
		coordinatedAssignment("a2", "main", "x.go"),
	)

	n := New(bus, out, reg, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	outCh := out.Subscribe(ctx)

	bus.Publish(mnemoevent.New("a1", 1, mnemoevent.KindFileModified, 4, map[string]any{
		"path": "x.go",
	}))
	<-outCh // drain on-save notification

	bus.Publish(mnemoevent.New("a1", 2, mnemoevent.KindSessionEnded, 5, nil))

	select {
	case ev := <-outCh:
		require.Equal(t, mnemoevent.KindConflictNotifiedEnd, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected session-end notification")
	}
}
