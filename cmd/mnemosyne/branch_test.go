package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mnemosyne/orchestrator/internal/branch"
	"github.com/mnemosyne/orchestrator/internal/guard"
)

func setupTestGuard(t *testing.T) {
	t.Helper()
	initErr = nil
	registry = branch.New(nil, nil)
	branchGuard = guard.New(registry, nil)
	joinIntent, joinMode, joinPhase, joinPaths = "full_branch", "isolated", "plan_to_artifacts", ""
	joinOrch = false
}

func TestRunAssign_JoinThenConflictingJoinReturnsConflictError(t *testing.T) {
	setupTestGuard(t)

	require.NoError(t, runAssign("agent-1", "main", false))

	joinIntent, joinMode = "read_only", "isolated"
	err := runAssign("agent-2", "main", false)
	require.Error(t, err)

	var conflict *branch.Conflict
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "agent-1", conflict.OffendingAgent)
	require.Equal(t, 2, classifyExit(err))
}

func TestRunAssign_SwitchReassignsAgent(t *testing.T) {
	setupTestGuard(t)

	require.NoError(t, runAssign("agent-1", "feature-a", false))
	require.NoError(t, runAssign("agent-1", "feature-b", true))

	a, ok := registry.Get("agent-1")
	require.True(t, ok)
	require.Equal(t, "feature-b", a.Branch)
}

func TestRunAssign_RejectsUnknownIntent(t *testing.T) {
	setupTestGuard(t)
	joinIntent = "bogus"
	err := runAssign("agent-1", "main", false)
	require.Error(t, err)
	require.Equal(t, 4, classifyExit(err))
}
