package branch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

func pathSet(paths ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		s[p] = struct{}{}
	}
	return s
}

func TestConflictMatrix_Table(t *testing.T) {
	tests := []struct {
		name        string
		existing    Intent
		existingP   map[string]struct{}
		existingM   Mode
		newIntent   Intent
		newP        map[string]struct{}
		newM        Mode
		wantConflict bool
	}{
		{"RO existing, RO new", ReadOnly, nil, Isolated, ReadOnly, nil, Isolated, false},
		{"RO existing, Write new", ReadOnly, nil, Isolated, Write, pathSet("a.go"), Isolated, false},
		{"RO existing, FullBranch Isolated new", ReadOnly, nil, Isolated, FullBranch, nil, Isolated, true},
		{"RO existing, FullBranch Coord new", ReadOnly, nil, Isolated, FullBranch, nil, Coordinated, false},
		{"Write existing, RO new", Write, pathSet("a.go"), Isolated, ReadOnly, nil, Isolated, false},
		{"Write existing, Write new disjoint", Write, pathSet("a.go"), Isolated, Write, pathSet("b.go"), Isolated, false},
		{"Write existing, Write new overlap", Write, pathSet("a.go"), Isolated, Write, pathSet("a.go"), Isolated, true},
		{"Write existing, FullBranch Isolated new", Write, pathSet("a.go"), Isolated, FullBranch, nil, Isolated, true},
		{"Write existing, FullBranch Coord new overlap", Write, pathSet("a.go"), Isolated, FullBranch, pathSet("a.go"), Coordinated, true},
		{"Write existing, FullBranch Coord new disjoint", Write, pathSet("a.go"), Isolated, FullBranch, pathSet("b.go"), Coordinated, false},
		{"FullBranch Isolated existing, anything", FullBranch, nil, Isolated, ReadOnly, nil, Isolated, true},
		{"FullBranch Coord existing, RO new", FullBranch, nil, Coordinated, ReadOnly, nil, Isolated, false},
		{"FullBranch Coord existing, Write new", FullBranch, nil, Coordinated, Write, pathSet("a.go"), Isolated, false},
		{"FullBranch Coord existing, FullBranch Isolated new", FullBranch, nil, Coordinated, FullBranch, nil, Isolated, true},
		{"FullBranch Coord existing, FullBranch Coord new", FullBranch, nil, Coordinated, FullBranch, nil, Coordinated, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existing := Assignment{Agent: "holder", Branch: "main", Intent: tt.existing, Paths: tt.existingP, Mode: tt.existingM}
			got := conflicts(existing, tt.newIntent, tt.newP, tt.newM)
			require.Equal(t, tt.wantConflict, got)
		})
	}
}

func TestRegistry_AssignRejectsConflict(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Assign("a1", "main", FullBranch, nil, Isolated, PlanToArtifacts, false)
	require.NoError(t, err)

	_, err = r.Assign("a2", "main", ReadOnly, nil, Isolated, SpecToFullSpec, false)
	require.Error(t, err)
	var conflict *Conflict
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "a1", conflict.OffendingAgent)
	require.True(t, errors.Is(err, mnemoevent.ErrConflict))
}

func TestRegistry_OrchestratorBypassFlag(t *testing.T) {
	bypass := true
	r := New(nil, func() bool { return bypass })
	_, err := r.Assign("a1", "main", FullBranch, nil, Isolated, PlanToArtifacts, false)
	require.NoError(t, err)

	_, err = r.Assign("orch", "main", FullBranch, nil, Isolated, PlanToArtifacts, true)
	require.NoError(t, err, "orchestrator-kind agent should bypass the conflict check when the flag is enabled")
}

func TestRegistry_SwitchIsAtomic(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Assign("a1", "main", Write, pathSet("a.go"), Isolated, FullSpecToPlan, false)
	require.NoError(t, err)

	a, err := r.Switch("a1", "dev", ReadOnly, nil, Isolated, PromptToSpec, false)
	require.NoError(t, err)
	require.Equal(t, "dev", a.Branch)

	assignments := r.List("main")
	require.Empty(t, assignments)
}

func TestRegistry_PruneExpired(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Assign("a1", "main", ReadOnly, nil, Isolated, PromptToSpec, false)
	require.NoError(t, err)

	pruned := r.PruneExpired(time.Now().Add(BaseTTL))
	require.Equal(t, 1, pruned)
	_, ok := r.Get("a1")
	require.False(t, ok)
}

// TestConflictMatrix_SymmetricOnPathOverlap uses rapid to fuzz path sets
// for Write-vs-Write, verifying overlap detection is reflexive and that
// disjoint sets never conflict.
func TestConflictMatrix_SymmetricOnPathOverlap(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		aPaths := rapid.SliceOfDistinct(rapid.StringMatching(`[a-c]\.go`), func(s string) string { return s }).Draw(t, "aPaths")
		bPaths := rapid.SliceOfDistinct(rapid.StringMatching(`[a-c]\.go`), func(s string) string { return s }).Draw(t, "bPaths")

		existing := Assignment{Intent: Write, Paths: pathSet(aPaths...)}
		got := conflicts(existing, Write, pathSet(bPaths...), Isolated)

		wantOverlap := false
		for _, p := range aPaths {
			for _, q := range bPaths {
				if p == q {
					wantOverlap = true
				}
			}
		}
		require.Equal(t, wantOverlap, got)
	})
}
