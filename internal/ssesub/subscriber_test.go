package ssesub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

func TestSubscriber_FiltersHeartbeatsAndForwardsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "event: heartbeat\ndata: {\"id\":\"00000000-0000-0000-0000-000000000001\",\"kind\":\"heartbeat\",\"producer\":\"exec-1\"}\n\n")
		flusher.Flush()
		fmt.Fprintf(w, "event: orch.work_item_started\ndata: {\"id\":\"00000000-0000-0000-0000-000000000002\",\"kind\":\"orch.work_item_started\",\"producer\":\"exec-1\"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	sub := New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sub.Run(ctx)

	select {
	case ev := <-sub.Events():
		require.Equal(t, mnemoevent.KindWorkItemStarted, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}
}

func TestSubscriber_ReconnectsAfterTransportError(t *testing.T) {
	var attempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			// Simulate a dropped connection: close immediately, no body.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("ResponseWriter does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "event: orch.work_item_started\ndata: {\"id\":\"00000000-0000-0000-0000-000000000003\",\"kind\":\"orch.work_item_started\",\"producer\":\"exec-2\"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	sub := New(srv.URL)
	sub.events = make(chan mnemoevent.Event, 8) // avoid blocking on slow test scheduling

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sub.Run(ctx)

	select {
	case ev := <-sub.Events():
		require.Equal(t, mnemoevent.KindWorkItemStarted, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event after reconnect")
	}
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}
