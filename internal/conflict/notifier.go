// Package conflict implements the three-tier Conflict Notifier: on-save
// (within 250ms of a new overlap), periodic roll-ups, and a session-end
// summary. It is an event-bus subscriber modeled on internal/log's
// broker-subscriber pattern, with its periodic ticker grounded on the
// teacher's heartbeat-ticker idiom in api/handler.go's streamEvents.
package conflict

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mnemosyne/orchestrator/internal/branch"
	"github.com/mnemosyne/orchestrator/internal/log"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

// DefaultPeriodicInterval is the default roll-up cadence.
const DefaultPeriodicInterval = 20 * time.Minute

// OnSaveDelay bounds how soon a new overlap must be notified.
const OnSaveDelay = 250 * time.Millisecond

// Record tracks one active conflict between two agents over a set of
// overlapping paths.
type Record struct {
	Branch          string
	AgentA, AgentB  string
	OverlapPaths    []string
	FirstDetected   time.Time
	LastNotified    time.Time
	NotificationCount int
}

type subscriber interface {
	Subscribe(ctx context.Context) <-chan mnemoevent.Event
}

type publisher interface {
	Publish(mnemoevent.Event)
}

// registry is the read side of branch.Registry the Notifier needs to turn
// a file-modification event into a set of co-tenant agents: who else holds
// an active, Coordinated-mode claim on the same branch.
type registry interface {
	Get(agent string) (branch.Assignment, bool)
	List(branchName string) []branch.Assignment
}

// Notifier observes FileModified and SessionEnded events from the bus and
// maintains per-agent-pair conflict records for Coordinated-mode co-tenants
// whose claimed paths overlap.
type Notifier struct {
	bus              subscriber
	out              publisher
	registry         registry
	periodicInterval time.Duration

	mu      sync.Mutex
	records map[string]*Record // keyed by branch+agentA+agentB
}

// New creates a Notifier. periodicInterval <= 0 falls back to
// DefaultPeriodicInterval.
func New(bus subscriber, out publisher, reg registry, periodicInterval time.Duration) *Notifier {
	if periodicInterval <= 0 {
		periodicInterval = DefaultPeriodicInterval
	}
	return &Notifier{
		bus:              bus,
		out:              out,
		registry:         reg,
		periodicInterval: periodicInterval,
		records:          make(map[string]*Record),
	}
}

// Run consumes FileModified and SessionEnded events from the bus until
// ctx is cancelled, emitting on-save, periodic, and session-end
// notifications as bus events so dashboards and CLIs render them
// uniformly.
func (n *Notifier) Run(ctx context.Context) {
	ch := n.bus.Subscribe(ctx)
	ticker := time.NewTicker(n.periodicInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.emitPeriodic()
		case event, ok := <-ch:
			if !ok {
				return
			}
			n.handle(ctx, event)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, event mnemoevent.Event) {
	switch event.Kind {
	case mnemoevent.KindFileModified:
		n.recordConflicts(ctx, event)
	case mnemoevent.KindSessionEnded:
		n.emitSessionEnd(event.Producer)
	}
}

// recordConflicts turns a FileModified event into zero or more conflict
// records: one per other Coordinated-mode agent on the same branch whose
// claimed Write paths include the modified path. Isolated-mode assignments
// never reach here because the Branch Guard already excludes them at join
// time (Testable Scenario S2); this is strictly the Coordinated co-tenant
// overlap case spec §4.8 describes.
func (n *Notifier) recordConflicts(ctx context.Context, event mnemoevent.Event) {
	path, _ := event.Payload["path"].(string)
	if path == "" || n.registry == nil {
		return
	}
	mine, ok := n.registry.Get(event.Producer)
	if !ok || mine.Mode != branch.Coordinated {
		return
	}

	for _, other := range n.registry.List(mine.Branch) {
		if other.Agent == event.Producer || other.Mode != branch.Coordinated {
			continue
		}
		if _, overlaps := other.Paths[path]; !overlaps {
			continue
		}
		n.upsertRecord(ctx, mine.Branch, event.Producer, other.Agent, path)
	}
}

func (n *Notifier) upsertRecord(ctx context.Context, branchName, agentA, agentB, path string) {
	a, b := agentA, agentB
	if a > b {
		a, b = b, a
	}
	key := branchName + "|" + a + "|" + b

	n.mu.Lock()
	isNew := false
	rec, ok := n.records[key]
	if !ok {
		rec = &Record{Branch: branchName, AgentA: a, AgentB: b, FirstDetected: time.Now()}
		n.records[key] = rec
		isNew = true
	}
	if !containsPath(rec.OverlapPaths, path) {
		rec.OverlapPaths = append(rec.OverlapPaths, path)
	}
	n.mu.Unlock()

	if !isNew {
		return
	}

	// on-save: notify within 250ms of the new overlap first appearing.
	go func() {
		t := time.NewTimer(OnSaveDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			n.notify(mnemoevent.KindConflictNotifiedSave, rec)
		}
	}()
}

func containsPath(paths []string, path string) bool {
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}

func (n *Notifier) emitPeriodic() {
	n.mu.Lock()
	keys := make([]string, 0, len(n.records))
	recs := make([]*Record, 0, len(n.records))
	for k, rec := range n.records {
		keys = append(keys, k)
		recs = append(recs, rec)
	}
	n.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return keys[i] < keys[j] })
	for _, rec := range recs {
		n.notify(mnemoevent.KindConflictNotifiedPeriod, rec)
	}
}

func (n *Notifier) emitSessionEnd(agent string) {
	n.mu.Lock()
	var matched []*Record
	for _, rec := range n.records {
		if rec.AgentA == agent || rec.AgentB == agent {
			matched = append(matched, rec)
		}
	}
	n.mu.Unlock()

	for _, rec := range matched {
		n.notify(mnemoevent.KindConflictNotifiedEnd, rec)
	}
}

func (n *Notifier) notify(kind mnemoevent.Kind, rec *Record) {
	n.mu.Lock()
	rec.LastNotified = time.Now()
	rec.NotificationCount++
	n.mu.Unlock()
	log.Debug(log.CatConflict, "emitting conflict notification", "kind", kind, "branch", rec.Branch, "agents", []string{rec.AgentA, rec.AgentB})
	n.out.Publish(mnemoevent.New("conflict-notifier", 0, kind, 5, map[string]any{
		"branch":             rec.Branch,
		"agent_a":            rec.AgentA,
		"agent_b":            rec.AgentB,
		"overlap_paths":      rec.OverlapPaths,
		"notification_count": rec.NotificationCount,
	}))
}
