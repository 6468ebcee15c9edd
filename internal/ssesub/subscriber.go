// Package ssesub implements the SSE Subscriber: a client that connects to
// a remote Event Ingress's GET /events/stream, translates the wire frames
// back into mnemoevent.Event records, filters heartbeats, and reconnects
// with exponential backoff on any transport error. Grounded on the
// teacher's resilience-adapter idiom (thin wrapper preserving a stable API
// over a battle-tested OSS backoff implementation) and on
// controlplane/api/handler.go's SSE frame shape on the producing side.
package ssesub

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mnemosyne/orchestrator/internal/log"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

// MinBackoff and MaxBackoff bound the reconnect backoff; retries continue
// indefinitely until ctx is cancelled.
const (
	MinBackoff = time.Second
	MaxBackoff = 60 * time.Second
)

// DrainDeadline is a 5-second drain window. Run does not use it: Run
// returns as soon as ctx is done (see Run).
const DrainDeadline = 5 * time.Second

// Subscriber connects to a remote Event Ingress stream and republishes
// translated events on its Events channel.
type Subscriber struct {
	url    string
	client *http.Client
	events chan mnemoevent.Event
}

// New creates a Subscriber targeting the stream at url (typically
// "http://host:port/events/stream").
func New(url string) *Subscriber {
	return &Subscriber{
		url:    url,
		client: &http.Client{}, // no client-side timeout: the stream is long-lived
		events: make(chan mnemoevent.Event, 256),
	}
}

// Events returns the channel of translated, non-heartbeat events.
func (s *Subscriber) Events() <-chan mnemoevent.Event {
	return s.events
}

// Run connects and streams events until ctx is cancelled, reconnecting
// with exponential backoff (capped at MaxBackoff) on every transport
// error. It returns as soon as ctx is done, without a drain period: a
// frame still waiting for room on Events at that moment is dropped.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.events)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = MinBackoff
	bo.MaxInterval = MaxBackoff
	bo.MaxElapsedTime = 0 // retry forever; only ctx cancellation stops us

	for {
		if ctx.Err() != nil {
			return
		}

		err := s.connectAndStream(ctx, bo)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.ErrorErr(log.CatSSESub, "sse connection failed, reconnecting", err, "url", s.url)
		}

		wait := bo.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// connectAndStream opens one connection and forwards frames until the
// connection drops or ctx is cancelled. The exponential backoff is reset
// on every delivered frame so a single hiccup after a long healthy run
// doesn't jump straight to MaxBackoff on the next disconnect.
func (s *Subscriber) connectAndStream(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("ssesub: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ssesub: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ssesub: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		case line == "":
			if dataLine == "" {
				continue
			}
			s.deliver(ctx, dataLine)
			bo.Reset()
			dataLine = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ssesub: stream read: %w", err)
	}
	return nil
}

// deliver parses one SSE data line into an Event, discards heartbeats, and
// forwards everything else, respecting ctx cancellation while blocked on
// a full Events channel.
func (s *Subscriber) deliver(ctx context.Context, data string) {
	var event mnemoevent.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		log.Warn(log.CatSSESub, "discarding malformed sse frame", "error", err.Error())
		return
	}
	if event.Kind.IsHeartbeat() {
		return
	}

	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}
