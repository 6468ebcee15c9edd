// Package ingress implements the Event Ingress HTTP surface: POST /events
// accepts CLI-originated events, GET /events/stream serves an SSE feed
// composed of a snapshot prefix then the live subscription, GET
// /logs/stream serves the same live-tail shape over the process's log
// broker, and GET /health reports liveness and subscriber count.
// Grounded on the teacher's controlplane/api/handler.go
// (StreamAllEvents/streamEvents, Routes, writeJSON/writeError).
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mnemosyne/orchestrator/internal/log"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
	"github.com/mnemosyne/orchestrator/internal/projection"
	"github.com/mnemosyne/orchestrator/internal/pubsub"
)

// KeepaliveInterval is the SSE keepalive comment cadence.
const KeepaliveInterval = 30 * time.Second

// Handler serves the Event Ingress HTTP API.
type Handler struct {
	bus    Bus
	proj   *projection.Projection
	tracer trace.Tracer
}

// Bus is the subset of eventbus.Bus the ingress layer depends on.
type Bus interface {
	Publish(event mnemoevent.Event)
	Subscribe(ctx context.Context) <-chan mnemoevent.Event
	SubscriberCount() int
}

// NewHandler creates a Handler over bus and proj. Tracing defaults to a
// no-op tracer; call SetTracer to attach a real one.
func NewHandler(bus Bus, proj *projection.Projection) *Handler {
	return &Handler{bus: bus, proj: proj, tracer: noop.NewTracerProvider().Tracer("noop")}
}

// SetTracer attaches tracer, used to create a span around each POST /events
// request.
func (h *Handler) SetTracer(tracer trace.Tracer) {
	h.tracer = tracer
}

// Routes returns an http.Handler with every ingress route registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", h.PostEvent)
	mux.HandleFunc("GET /events/stream", h.StreamEvents)
	mux.HandleFunc("GET /logs/stream", h.StreamLogs)
	mux.HandleFunc("GET /health", h.Health)
	return mux
}

// PostEvent accepts a single JSON event, stamps server-side receipt time,
// and publishes it to the bus.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "ingress.post_event", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var event mnemoevent.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.writeError(w, http.StatusBadRequest, "invalid_json", "malformed event body", err.Error())
		return
	}
	event.Timestamp = time.Now().UTC()
	span.SetAttributes(
		attribute.String("event.kind", string(event.Kind)),
		attribute.String("event.producer", event.Producer),
	)
	h.bus.Publish(event)
	span.SetStatus(codes.Ok, "")
	w.WriteHeader(http.StatusAccepted)
}

// StreamEvents serves GET /events/stream: on connect it synthesizes one
// Heartbeat event per live agent from the projection snapshot, writes
// those first, then concatenates the live subscription, guaranteeing a
// late-joining dashboard sees the current world within one RTT.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported", "")
		return
	}

	ctx := r.Context()
	live := h.bus.Subscribe(ctx)

	agents, _ := h.proj.Snapshot()
	for id, rec := range agents {
		synthetic := mnemoevent.New(id, 0, mnemoevent.KindHeartbeat, 1, map[string]any{"kind": string(rec.Kind), "synthetic": true})
		if !h.writeEvent(w, synthetic) {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-live:
			if !ok {
				return
			}
			if !h.writeEvent(w, event) {
				return
			}
			flusher.Flush()
		}
	}
}

// StreamLogs serves GET /logs/stream: a live tail of this process's
// structured log entries over SSE, sourced from internal/log's pubsub
// broker rather than the event bus, so CLI operators can watch daemon
// internals (including entries that never become bus events) without
// reading the log file directly.
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported", "")
		return
	}

	broker := log.Broker()
	if broker == nil {
		h.writeError(w, http.StatusServiceUnavailable, "log_broker_unavailable", "log broker not initialized", "")
		return
	}

	ctx := r.Context()
	live := broker.Subscribe(ctx)

	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case entry, ok := <-live:
			if !ok {
				return
			}
			if !h.writeLogEntry(w, entry) {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) writeLogEntry(w http.ResponseWriter, entry pubsub.Event[string]) bool {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", entry.Type, strings.TrimRight(entry.Payload, "\n"))
	return err == nil
}

func (h *Handler) writeEvent(w http.ResponseWriter, event mnemoevent.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		log.ErrorErr(log.CatAPI, "failed to marshal event for SSE", err, "event_id", event.ID)
		return true
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
	return err == nil
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
}

// Health reports liveness and the current subscriber count.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Subscribers: h.bus.SubscriberCount()})
}

// ErrorResponse is the body of a 4xx/5xx ingress response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
