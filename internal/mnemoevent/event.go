// Package mnemoevent defines the core Event record and the closed
// enumeration of event kinds that flow through the event bus, the HTTP
// ingress, the SSE subscriber, and the audit store.
package mnemoevent

import (
	"time"

	"github.com/google/uuid"
)

// Kind is a closed enumeration of event kinds, grouped by category.
type Kind string

const (
	// Memory operations.
	KindMemoryRecorded Kind = "memory.recorded"
	KindMemoryQueried  Kind = "memory.queried"
	KindMemoryEnriched Kind = "memory.enriched"

	// System operations.
	KindComponentStarted   Kind = "system.component_started"
	KindComponentStopped   Kind = "system.component_stopped"
	KindComponentRestarted Kind = "system.component_restarted"
	KindConfigReloaded     Kind = "system.config_reloaded"

	// Session lifecycle.
	KindSessionStarted Kind = "session.started"
	KindSessionEnded   Kind = "session.ended"
	KindSessionPaused  Kind = "session.paused"
	KindSessionResumed Kind = "session.resumed"

	// CLI-originated operations.
	KindCLICommandInvoked Kind = "cli.command_invoked"
	KindCLIWorkSubmitted  Kind = "cli.work_submitted"
	KindCLIBranchJoin     Kind = "cli.branch_join"
	KindCLIBranchRelease  Kind = "cli.branch_release"

	// Orchestration operations.
	KindWorkItemSubmitted       Kind = "orch.work_item_submitted"
	KindWorkItemReady           Kind = "orch.work_item_ready"
	KindWorkItemAssigned        Kind = "orch.work_item_assigned"
	KindWorkItemStarted         Kind = "orch.work_item_started"
	KindWorkItemCompleted       Kind = "orch.work_item_completed"
	KindWorkItemFailed          Kind = "orch.work_item_failed"
	KindWorkItemBlocked         Kind = "orch.work_item_blocked"
	KindWorkItemRetried         Kind = "orch.work_item_retried"
	KindDeadlockDetected        Kind = "orch.deadlock_detected"
	KindDeadlockResolved        Kind = "orch.deadlock_resolved"
	KindBranchAssigned          Kind = "orch.branch_assigned"
	KindBranchReleased          Kind = "orch.branch_released"
	KindBranchConflict          Kind = "orch.branch_conflict"
	KindConflictNotifiedSave    Kind = "orch.conflict_notified_on_save"
	KindConflictNotifiedPeriod  Kind = "orch.conflict_notified_periodic"
	KindConflictNotifiedEnd     Kind = "orch.conflict_notified_session_end"
	KindAgentStateChanged       Kind = "orch.agent_state_changed"
	KindAgentDown               Kind = "orch.agent_down"
	KindGapNotice               Kind = "orch.gap_notice"
	KindFileModified            Kind = "orch.file_modified"
	KindProcessRegistered       Kind = "orch.process_registered"
	KindProcessDeregistered     Kind = "orch.process_deregistered"
	KindProcessSignatureInvalid Kind = "orch.process_signature_invalid"
	KindMessageSent             Kind = "orch.message_sent"
	KindMessageOversize         Kind = "orch.message_oversize"

	// Heartbeat.
	KindHeartbeat Kind = "heartbeat"
)

// Event is an immutable record produced by any component or the CLI and
// broadcast through the event bus.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Seq        uint64         `json:"seq"` // monotonic per Producer
	Producer   string         `json:"producer"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       Kind           `json:"kind"`
	Importance int            `json:"importance"` // 1-10
	Payload    map[string]any `json:"payload,omitempty"`
}

// New builds an Event with a fresh ID and the given fields, stamping
// Timestamp with the current UTC time. The bus keeps that timestamp; the
// ingress layer overwrites it with receipt time.
func New(producer string, seq uint64, kind Kind, importance int, payload map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		Seq:        seq,
		Producer:   producer,
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
		Importance: importance,
		Payload:    payload,
	}
}

// IsLifecycleEvent reports whether the kind represents an agent or
// workflow lifecycle transition worth reacting to synchronously (as
// opposed to a pure informational record).
func (k Kind) IsLifecycleEvent() bool {
	switch k {
	case KindSessionStarted, KindSessionEnded, KindSessionPaused, KindSessionResumed,
		KindAgentStateChanged, KindAgentDown,
		KindWorkItemCompleted, KindWorkItemFailed, KindWorkItemBlocked:
		return true
	default:
		return false
	}
}

// IsHeartbeat reports whether the kind is a pure liveness signal. The SSE
// Subscriber filters these out before handing events to the orchestrator.
func (k Kind) IsHeartbeat() bool {
	return k == KindHeartbeat
}
