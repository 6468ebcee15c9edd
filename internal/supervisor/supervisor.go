// Package supervisor implements the Supervision Tree: it starts every
// long-running component in a fixed dependency order, restarts a
// component with exponential backoff if its Run loop returns an error,
// and escalates to a full daemon shutdown if any one component restarts
// more than MaxRestarts times within RestartWindow. Fan-out/fan-in over
// the component goroutines uses sourcegraph/conc's panic-propagating
// WaitGroup in place of a hand-rolled sync.WaitGroup, generalizing the
// teacher's panic-recovered goroutine idiom (seen in pool.Worker.Run and
// log.SafeGo) to a tree that also retries.
package supervisor

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/mnemosyne/orchestrator/internal/log"
)

// MaxRestarts is the number of restarts tolerated within RestartWindow
// before a component's failures escalate to a full shutdown.
const MaxRestarts = 5

// RestartWindow is the sliding window against which MaxRestarts is
// measured.
const RestartWindow = 60 * time.Second

// MaxBackoff caps the exponential restart delay.
const MaxBackoff = 30 * time.Second

// MinBackoff is the initial restart delay.
const MinBackoff = time.Second

// DrainDeadline bounds how long Run waits for components to notice
// cancellation and return.
const DrainDeadline = 5 * time.Second

// Component is a single supervised unit. Run should block until ctx is
// cancelled or an unrecoverable error occurs; a nil error on return (e.g.
// clean shutdown via ctx) never triggers a restart.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

// Tree runs a fixed, ordered set of Components and supervises their
// restarts. Components earlier in the list are started before later
// ones, matching the dependency order documented for the daemon (event
// bus, then projection, then ingress, and so on); Run unwinds by
// cancelling every component's context simultaneously rather than in
// reverse order, since components are expected to tolerate their
// dependencies disappearing mid-shutdown.
type Tree struct {
	components []Component
	escalate   chan string // component name that triggered escalation
}

// New creates a Tree over components, in start order.
func New(components []Component) *Tree {
	return &Tree{
		components: components,
		escalate:   make(chan string, 1),
	}
}

// Run starts every component and blocks until ctx is cancelled or a
// component escalates past MaxRestarts, in which case Run cancels the
// remaining components (via an internal context) and returns once they
// have drained or DrainDeadline has elapsed.
func (t *Tree) Run(ctx context.Context) {
	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	for _, c := range t.components {
		c := c
		wg.Go(func() {
			t.supervise(innerCtx, c)
		})
		log.Info(log.CatSuper, "component started", "component", c.Name)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case name := <-t.escalate:
		log.Error(log.CatSuper, "escalating to full shutdown", "component", name, "max_restarts", MaxRestarts, "window", RestartWindow.String())
		cancel()
	case <-ctx.Done():
	}

	select {
	case <-done:
	case <-time.After(DrainDeadline):
		log.Warn(log.CatSuper, "drain deadline exceeded, some components may not have stopped cleanly")
	}
}

// supervise runs one component, restarting it with exponential backoff
// on error until ctx is cancelled or it escalates.
func (t *Tree) supervise(ctx context.Context, c Component) {
	backoff := MinBackoff
	var restarts []time.Time

	for {
		if ctx.Err() != nil {
			return
		}

		err := t.runOnce(ctx, c)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}

		log.ErrorErr(log.CatSuper, "component exited with error, restarting", err, "component", c.Name, "backoff", backoff.String())

		now := time.Now()
		restarts = append(restarts, now)
		restarts = pruneOld(restarts, now)
		if len(restarts) > MaxRestarts {
			select {
			case t.escalate <- c.Name:
			default:
			}
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > MaxBackoff {
			backoff = MaxBackoff
		}
	}
}

// runOnce invokes c.Run, recovering any panic as an error so a single
// misbehaving component cannot bring down the whole tree.
func (t *Tree) runOnce(ctx context.Context, c Component) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatSuper, "component panicked", "component", c.Name, "panic", r)
			err = errPanic{component: c.Name, value: r}
		}
	}()
	return c.Run(ctx)
}

type errPanic struct {
	component string
	value     any
}

func (e errPanic) Error() string {
	return "component " + e.component + " panicked"
}

// pruneOld drops restart timestamps older than RestartWindow relative to
// now, keeping the slice bounded to the current window.
func pruneOld(restarts []time.Time, now time.Time) []time.Time {
	cut := 0
	for i, ts := range restarts {
		if now.Sub(ts) <= RestartWindow {
			cut = i
			break
		}
		cut = i + 1
	}
	return restarts[cut:]
}
