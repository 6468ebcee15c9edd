package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mnemosyne/orchestrator/internal/eventbus"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
	"github.com/mnemosyne/orchestrator/internal/workqueue"
)

type noopProcessor struct{ err error }

func (p noopProcessor) Process(ctx context.Context, item *workqueue.Item) error { return p.err }

func TestAgent_PublishesImmediateHeartbeatOnStart(t *testing.T) {
	bus := eventbus.New(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx)
	a := New("exec-1", KindExecutor, noopProcessor{}, bus)
	go a.Run(ctx)

	select {
	case ev := <-ch:
		require.Equal(t, mnemoevent.KindHeartbeat, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected immediate heartbeat on start")
	}
}

func TestAgent_AssignRunsProcessorAndEmitsCompleted(t *testing.T) {
	bus := eventbus.New(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx)
	a := New("exec-1", KindExecutor, noopProcessor{}, bus)
	go a.Run(ctx)

	<-ch // initial heartbeat

	item, err := workqueue.New("do thing", workqueue.PromptToSpec, 1, nil)
	require.NoError(t, err)
	a.Mailbox() <- Message{Assign: item}

	var sawStarted, sawCompleted bool
	for i := 0; i < 10; i++ {
		select {
		case ev := <-ch:
			switch ev.Kind {
			case mnemoevent.KindWorkItemStarted:
				sawStarted = true
			case mnemoevent.KindWorkItemCompleted:
				sawCompleted = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for lifecycle events")
		}
		if sawStarted && sawCompleted {
			break
		}
	}
	require.True(t, sawStarted)
	require.True(t, sawCompleted)
}
