package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agentpkg "github.com/mnemosyne/orchestrator/internal/agent"
	"github.com/mnemosyne/orchestrator/internal/eventbus"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
	"github.com/mnemosyne/orchestrator/internal/workqueue"
)

type noopProcessor struct{}

func (noopProcessor) Process(ctx context.Context, item *workqueue.Item) error { return nil }

func TestOrchestrator_DispatchesReadyItemToIdleAgent(t *testing.T) {
	bus := eventbus.New(100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx)
	q := workqueue.NewQueue(bus)
	o := New(q, bus)

	a := agentpkg.New("exec-1", agentpkg.KindExecutor, noopProcessor{}, bus)
	o.RegisterExecutor(a)
	go a.Run(ctx)

	item, err := workqueue.New("task", workqueue.PromptToSpec, 1, nil)
	require.NoError(t, err)
	require.NoError(t, o.Submit(item))

	go o.Run(ctx, 10*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == mnemoevent.KindWorkItemCompleted {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for work item to complete")
		}
	}
}
