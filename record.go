package tether

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MutationKind identifies the intent of a pending mutation.
type MutationKind string

const (
	// MutationCreate records the first local write of a record.
	MutationCreate MutationKind = "create"
	// MutationUpdate records a change to an existing record.
	MutationUpdate MutationKind = "update"
	// MutationDelete records a soft delete (tombstone).
	MutationDelete MutationKind = "delete"
)

// SyncState describes the last outcome of a sync pass for a cursor.
type SyncState string

const (
	// SyncIdle means no sync has run for the cursor yet.
	SyncIdle SyncState = "idle"
	// SyncSuccess means the last pass completed and the cursor advanced.
	SyncSuccess SyncState = "success"
	// SyncFailed means the last pass failed; lastError holds the cause.
	SyncFailed SyncState = "error"
	// SyncInProgress means a pass is currently running.
	SyncInProgress SyncState = "in-progress"
)

// InteractionClass is the delivery/durability contract attached to an
// operation. It decides which path the classifier routes the operation
// through and what happens when the realtime channel is degraded.
type InteractionClass string

const (
	// ClassA is presence-grade: best effort, no durability, dropped on
	// channel unavailability.
	ClassA InteractionClass = "A"
	// ClassB is event-streaming: at-least-once; falls back to a durable
	// queue drained by later polling.
	ClassB InteractionClass = "B"
	// ClassC is low-latency interactive: realtime preferred, reconciled
	// through the sync engine on degradation.
	ClassC InteractionClass = "C"
	// ClassD is critical transactional: never uses the realtime channel.
	ClassD InteractionClass = "D"
)

// Valid reports whether the class is one of A, B, C, D.
func (c InteractionClass) Valid() bool {
	switch c {
	case ClassA, ClassB, ClassC, ClassD:
		return true
	}
	return false
}

// ParseInteractionClass converts a wire string into an InteractionClass.
func ParseInteractionClass(s string) (InteractionClass, error) {
	c := InteractionClass(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown interaction class %q", s)
	}
	return c, nil
}

// RecordMeta is the system-managed metadata block carried by every record.
// Callers cannot set these fields directly; they are stamped by the
// repository on local writes and by the sync engine on remote applies.
type RecordMeta struct {
	// CreatedAt is the Unix-millisecond time of the first write.
	CreatedAt int64 `json:"created_at"`

	// UpdatedAt is non-decreasing per (tenant, id).
	UpdatedAt int64 `json:"updated_at"`

	// Version increases strictly with every write to the record.
	Version int64 `json:"version"`

	// Deleted marks a tombstone. Tombstones remain present until a
	// successful sync round confirms propagation.
	Deleted bool `json:"deleted"`

	// LastSyncedAt is the server timestamp of the last pull that touched
	// this record. Zero for records never confirmed by the server.
	LastSyncedAt int64 `json:"last_synced_at,omitempty"`

	// MutationID is the pending mutation that produced this version, if
	// the version originated locally and has not been acknowledged yet.
	// Conflict resolution uses it to drop subsumed mutations.
	MutationID string `json:"mutation_id,omitempty"`

	// ClientID identifies the client that produced this version. Used as
	// the deterministic tiebreak for timestamp-equal conflicting writes.
	ClientID string `json:"client_id,omitempty"`

	// VectorClock is the causal clock snapshot taken when this version
	// was written. Conflict detection compares it against the incoming
	// side's clock when both are present.
	VectorClock map[string]uint64 `json:"vector_clock,omitempty"`
}

// Record is a generic tenant-scoped domain object. The payload is opaque
// to the engine; only the metadata block is interpreted.
type Record struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Meta     RecordMeta      `json:"meta"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	if r.Payload != nil {
		out.Payload = make(json.RawMessage, len(r.Payload))
		copy(out.Payload, r.Payload)
	}
	if r.Meta.VectorClock != nil {
		out.Meta.VectorClock = make(map[string]uint64, len(r.Meta.VectorClock))
		for k, v := range r.Meta.VectorClock {
			out.Meta.VectorClock[k] = v
		}
	}
	return &out
}

// PendingMutation is a locally captured intent to change a record, durably
// queued until the server acknowledges it.
type PendingMutation struct {
	// MutationID is client-generated and unique.
	MutationID string `json:"mutation_id"`

	TenantID   string       `json:"tenant_id"`
	Kind       MutationKind `json:"kind"`
	Collection string       `json:"collection"`
	RecordID   string       `json:"record_id"`

	// Payload is the record payload captured at mutation time. Empty for
	// deletes.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Version is the record version this mutation produced locally.
	Version int64 `json:"version"`

	// Timestamp is the Unix-millisecond append time.
	Timestamp int64 `json:"timestamp"`

	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`

	// VectorClock is the causal clock snapshot at append time.
	VectorClock map[string]uint64 `json:"vector_clock,omitempty"`

	// Seq is the storage-assigned append order. It is local bookkeeping
	// and never leaves the client.
	Seq int64 `json:"-"`
}

// SyncCursor marks replication progress for one (tenant, collection) pair.
type SyncCursor struct {
	TenantID   string `json:"tenant_id"`
	Collection string `json:"collection"`

	// LastPulledAt is the server timestamp up to which changes have been
	// applied. Monotonically non-decreasing except for an explicit
	// snapshot reset.
	LastPulledAt int64 `json:"last_pulled_at"`

	// LastPushedMutation is the id of the most recently acknowledged
	// mutation for the collection.
	LastPushedMutation string `json:"last_pushed_mutation,omitempty"`

	LastStatus SyncState `json:"last_status"`
	LastError  string    `json:"last_error,omitempty"`
}

// Snapshot is an authoritative full state for an entity type, used when
// catching up by delta is infeasible.
type Snapshot struct {
	SnapshotID string `json:"snapshot_id"`
	TenantID   string `json:"tenant_id"`
	EntityType string `json:"entity_type"`
	Version    int64  `json:"version"`

	// Payload is a JSON array of records for the entity type.
	Payload json.RawMessage `json:"payload"`

	CreatedAt int64 `json:"created_at"`

	// Checksum is the hex-encoded SHA-256 of the payload, verified before
	// the snapshot replaces any local state.
	Checksum string `json:"checksum"`
}

// RecordQuery filters and orders ListRecords results.
type RecordQuery struct {
	// Type restricts results to one domain type. Empty matches all.
	Type string

	// UpdatedSince restricts results to records updated strictly after
	// the given Unix-millisecond timestamp.
	UpdatedSince int64

	// OrderByUpdatedAt orders results by update time ascending. Otherwise
	// ordering is unspecified.
	OrderByUpdatedAt bool

	// IncludeDeleted includes tombstones. Repository reads always include
	// them; this flag exists for callers querying the store directly.
	IncludeDeleted bool

	// Limit caps the number of returned records. Zero means no cap.
	Limit int
}

// NewMutationID returns a fresh client-unique mutation identifier.
func NewMutationID() string {
	return "m-" + uuid.NewString()
}

// NewMessageID returns a fresh realtime message identifier.
func NewMessageID() string {
	return "msg-" + uuid.NewString()
}

// NewSnapshotID returns a fresh snapshot identifier.
func NewSnapshotID() string {
	return "snap-" + uuid.NewString()
}

// NewConflictID returns a fresh deferred-conflict identifier.
func NewConflictID() string {
	return "conflict-" + uuid.NewString()
}

// nowMillis returns the current time in Unix milliseconds.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
