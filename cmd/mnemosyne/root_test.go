package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mnemosyne/orchestrator/internal/branch"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

func TestClassifyExit_MapsErrorTaxonomyToSpecExitCodes(t *testing.T) {
	require.Equal(t, 0, classifyExit(nil))
	require.Equal(t, 2, classifyExit(&branch.Conflict{Branch: "main", RequestingAgent: "a2", OffendingAgent: "a1"}))
	require.Equal(t, 3, classifyExit(fmt.Errorf("cycle: %w", mnemoevent.ErrDeadlock)))
	require.Equal(t, 4, classifyExit(fmt.Errorf("%w: bad flag", errConfig)))
	require.Equal(t, 1, classifyExit(errors.New("boom")))
}
