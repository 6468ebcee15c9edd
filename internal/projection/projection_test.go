package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

func TestProjection_AutoCreatesAgentOnFirstHeartbeat(t *testing.T) {
	p := New()
	p.Apply(mnemoevent.New("agent-1", 1, mnemoevent.KindHeartbeat, 1, nil))

	agents, _ := p.Snapshot()
	require.Contains(t, agents, "agent-1")
	require.Equal(t, AgentIdle, agents["agent-1"].State)
}

func TestProjection_WorkItemAssignedMarksBusy(t *testing.T) {
	p := New()
	p.Apply(mnemoevent.New("agent-1", 1, mnemoevent.KindHeartbeat, 1, nil))
	p.Apply(mnemoevent.New("agent-1", 2, mnemoevent.KindWorkItemAssigned, 3, map[string]any{"work_item_id": "wi-1"}))

	agents, _ := p.Snapshot()
	require.Equal(t, AgentBusy, agents["agent-1"].State)
	require.Equal(t, "wi-1", agents["agent-1"].WorkItemID)
}

func TestProjection_SweepDownAgentsAfterGracePeriod(t *testing.T) {
	p := New()
	p.Apply(mnemoevent.New("agent-1", 1, mnemoevent.KindHeartbeat, 1, nil))

	downed := p.SweepDownAgents(time.Now().Add(DownAfter + time.Second))
	require.Equal(t, []string{"agent-1"}, downed)

	agents, _ := p.Snapshot()
	require.Equal(t, AgentDown, agents["agent-1"].State)
}

func TestProjection_FileModifiedTracksLatest(t *testing.T) {
	p := New()
	p.Apply(mnemoevent.New("agent-1", 1, mnemoevent.KindFileModified, 1, map[string]any{"path": "main.go"}))

	_, files := p.Snapshot()
	require.Contains(t, files, "main.go")
	require.Equal(t, "agent-1", files["main.go"].LastAgent)
}
