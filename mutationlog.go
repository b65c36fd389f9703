package tether

import (
	"context"
	"log/slog"
	"time"
)

// MutationLog is the strictly append-ordered queue of local mutations
// awaiting push, one per tenant. The server sees mutations in the order
// they were appended; reordering is permitted only past acknowledged
// prefixes. Terminal failures move to a quarantine sub-queue kept in the
// same table under a status column.
type MutationLog struct {
	store    *LocalStore
	tenantID string
	events   *EventBus
}

// NewMutationLog creates a mutation log bound to a tenant.
func NewMutationLog(store *LocalStore, tenantID string, events *EventBus) *MutationLog {
	return &MutationLog{
		store:    store,
		tenantID: tenantID,
		events:   events,
	}
}

// Append durably enqueues a mutation. Repository writes append through the
// store transaction instead so the (record, mutation) tuple stays atomic;
// this path serves standalone appends such as rebuilt mutations after a
// conflict advisory.
func (l *MutationLog) Append(ctx context.Context, m *PendingMutation) error {
	if m.TenantID != l.tenantID {
		return ErrTenantMismatch
	}
	if m.Timestamp == 0 {
		m.Timestamp = nowMillis()
	}
	return l.store.AppendMutation(ctx, m)
}

// PeekBatch returns up to n pending mutations in append order without
// removing them.
func (l *MutationLog) PeekBatch(ctx context.Context, n int) ([]*PendingMutation, error) {
	return l.store.PendingMutations(ctx, l.tenantID, n)
}

// AckUpTo removes the contiguous prefix of pending mutations up to and
// including mutationID. Called only after the server acknowledged durable
// acceptance.
func (l *MutationLog) AckUpTo(ctx context.Context, mutationID string) error {
	return l.store.AckMutationsThrough(ctx, l.tenantID, mutationID)
}

// Requeue records a retryable failure: retryCount incremented, lastError
// captured, queue position kept.
func (l *MutationLog) Requeue(ctx context.Context, mutationID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.store.UpdateMutationRetry(ctx, mutationID, msg)
}

// Quarantine moves a mutation to the terminal-failed sub-queue and emits an
// event. Quarantined mutations are never pushed until an operator redrives
// them; they are never silently dropped.
func (l *MutationLog) Quarantine(ctx context.Context, m *PendingMutation, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := l.store.SetMutationStatus(ctx, m.MutationID, "quarantined", msg); err != nil {
		return err
	}

	slog.Warn("mutation quarantined",
		"tenant", l.tenantID,
		"mutation", m.MutationID,
		"record", m.RecordID,
		"error", msg)

	if l.events != nil {
		l.events.Emit(Event{
			Type:       EventMutationQuarantined,
			TenantID:   l.tenantID,
			Collection: m.Collection,
			RecordID:   m.RecordID,
			MutationID: m.MutationID,
			Error:      msg,
		})
	}
	return nil
}

// QuarantineList returns the terminal-failed sub-queue.
func (l *MutationLog) QuarantineList(ctx context.Context) ([]*PendingMutation, error) {
	return l.store.QuarantinedMutations(ctx, l.tenantID)
}

// Redrive returns a quarantined mutation to the pending queue for another
// push attempt. Operator action.
func (l *MutationLog) Redrive(ctx context.Context, mutationID string) error {
	return l.store.SetMutationStatus(ctx, mutationID, "pending", "")
}

// DropSubsumed removes mutations whose divergence a conflict resolution has
// subsumed.
func (l *MutationLog) DropSubsumed(ctx context.Context, mutationIDs []string) error {
	return l.store.DeleteMutations(ctx, l.tenantID, mutationIDs)
}

// StuckMutations reports pending mutations older than the TTL and emits one
// event per offender.
func (l *MutationLog) StuckMutations(ctx context.Context, ttl time.Duration) ([]*PendingMutation, error) {
	cutoff := time.Now().Add(-ttl).UnixMilli()
	stuck, err := l.store.MutationsOlderThan(ctx, l.tenantID, cutoff)
	if err != nil {
		return nil, err
	}

	for _, m := range stuck {
		if l.events != nil {
			l.events.Emit(Event{
				Type:       EventMutationStuck,
				TenantID:   l.tenantID,
				Collection: m.Collection,
				RecordID:   m.RecordID,
				MutationID: m.MutationID,
				Detail:     "pending mutation exceeded TTL",
			})
		}
	}
	return stuck, nil
}

// Len returns the number of pending mutations.
func (l *MutationLog) Len(ctx context.Context) (int, error) {
	muts, err := l.store.PendingMutations(ctx, l.tenantID, 0)
	if err != nil {
		return 0, err
	}
	return len(muts), nil
}
