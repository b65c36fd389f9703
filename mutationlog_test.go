package tether

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestLog(t *testing.T, tenantID string) (*MutationLog, *EventBus) {
	t.Helper()
	store := newTestStore(t)
	events := NewEventBus(16)
	t.Cleanup(events.Close)
	return NewMutationLog(store, tenantID, events), events
}

func pendingMut(id, tenantID, recordID string, ts int64) *PendingMutation {
	return &PendingMutation{
		MutationID: id,
		TenantID:   tenantID,
		Kind:       MutationUpdate,
		Collection: "tasks",
		RecordID:   recordID,
		Timestamp:  ts,
	}
}

func TestMutationLogAppendOrder(t *testing.T) {
	log, _ := newTestLog(t, "acme")
	ctx := context.Background()

	for i, id := range []string{"m-1", "m-2", "m-3"} {
		if err := log.Append(ctx, pendingMut(id, "acme", "r1", int64(i+1))); err != nil {
			t.Fatalf("Append(%s) error: %v", id, err)
		}
	}

	batch, err := log.PeekBatch(ctx, 10)
	if err != nil {
		t.Fatalf("PeekBatch() error: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("len = %d, want 3", len(batch))
	}
	for i, want := range []string{"m-1", "m-2", "m-3"} {
		if batch[i].MutationID != want {
			t.Errorf("batch[%d] = %s, want %s", i, batch[i].MutationID, want)
		}
	}

	// Peeking must not consume.
	again, _ := log.PeekBatch(ctx, 10)
	if len(again) != 3 {
		t.Errorf("peek consumed the queue: %d left", len(again))
	}
}

func TestMutationLogRejectsForeignTenant(t *testing.T) {
	log, _ := newTestLog(t, "acme")

	err := log.Append(context.Background(), pendingMut("m-1", "globex", "r1", 1))
	if !errors.Is(err, ErrTenantMismatch) {
		t.Errorf("err = %v, want ErrTenantMismatch", err)
	}
}

func TestMutationLogPeekBatchLimit(t *testing.T) {
	log, _ := newTestLog(t, "acme")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		if err := log.Append(ctx, pendingMut("m-"+id, "acme", "r1", int64(i+1))); err != nil {
			t.Fatal(err)
		}
	}

	batch, _ := log.PeekBatch(ctx, 2)
	if len(batch) != 2 || batch[0].MutationID != "m-a" {
		t.Errorf("batch = %+v", batch)
	}
}

func TestMutationLogAckUpTo(t *testing.T) {
	log, _ := newTestLog(t, "acme")
	ctx := context.Background()

	for _, id := range []string{"m-1", "m-2", "m-3"} {
		if err := log.Append(ctx, pendingMut(id, "acme", "r1", 1)); err != nil {
			t.Fatal(err)
		}
	}

	if err := log.AckUpTo(ctx, "m-2"); err != nil {
		t.Fatalf("AckUpTo() error: %v", err)
	}

	batch, _ := log.PeekBatch(ctx, 10)
	if len(batch) != 1 || batch[0].MutationID != "m-3" {
		t.Errorf("after ack: %+v", batch)
	}
}

func TestMutationLogRequeueKeepsPosition(t *testing.T) {
	log, _ := newTestLog(t, "acme")
	ctx := context.Background()

	if err := log.Append(ctx, pendingMut("m-1", "acme", "r1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := log.Append(ctx, pendingMut("m-2", "acme", "r2", 2)); err != nil {
		t.Fatal(err)
	}

	if err := log.Requeue(ctx, "m-1", errors.New("503 from server")); err != nil {
		t.Fatalf("Requeue() error: %v", err)
	}

	batch, _ := log.PeekBatch(ctx, 10)
	if len(batch) != 2 || batch[0].MutationID != "m-1" {
		t.Fatalf("requeue must not reorder: %+v", batch)
	}
	if batch[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", batch[0].RetryCount)
	}
	if batch[0].LastError != "503 from server" {
		t.Errorf("LastError = %q", batch[0].LastError)
	}
}

func TestMutationLogQuarantineEmitsEvent(t *testing.T) {
	log, events := newTestLog(t, "acme")
	ctx := context.Background()

	sub := events.Subscribe(EventFilter{Types: []EventType{EventMutationQuarantined}})
	defer sub.Close()

	m := pendingMut("m-bad", "acme", "r1", 1)
	if err := log.Append(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := log.Quarantine(ctx, m, errors.New("schema rejected")); err != nil {
		t.Fatalf("Quarantine() error: %v", err)
	}

	select {
	case e := <-sub.Events:
		if e.MutationID != "m-bad" || e.Error != "schema rejected" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no quarantine event")
	}

	pending, _ := log.PeekBatch(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("quarantined mutation still pushable: %+v", pending)
	}
	q, _ := log.QuarantineList(ctx)
	if len(q) != 1 || q[0].MutationID != "m-bad" {
		t.Errorf("quarantine list = %+v", q)
	}
}

func TestMutationLogRedrive(t *testing.T) {
	log, _ := newTestLog(t, "acme")
	ctx := context.Background()

	m := pendingMut("m-bad", "acme", "r1", 1)
	if err := log.Append(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := log.Quarantine(ctx, m, errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	if err := log.Redrive(ctx, "m-bad"); err != nil {
		t.Fatalf("Redrive() error: %v", err)
	}

	pending, _ := log.PeekBatch(ctx, 10)
	if len(pending) != 1 || pending[0].MutationID != "m-bad" {
		t.Errorf("redriven mutation not pending: %+v", pending)
	}
	q, _ := log.QuarantineList(ctx)
	if len(q) != 0 {
		t.Errorf("quarantine list should be empty: %+v", q)
	}
}

func TestMutationLogDropSubsumed(t *testing.T) {
	log, _ := newTestLog(t, "acme")
	ctx := context.Background()

	for _, id := range []string{"m-1", "m-2", "m-3"} {
		if err := log.Append(ctx, pendingMut(id, "acme", "r1", 1)); err != nil {
			t.Fatal(err)
		}
	}

	if err := log.DropSubsumed(ctx, []string{"m-1", "m-3"}); err != nil {
		t.Fatalf("DropSubsumed() error: %v", err)
	}

	batch, _ := log.PeekBatch(ctx, 10)
	if len(batch) != 1 || batch[0].MutationID != "m-2" {
		t.Errorf("batch = %+v", batch)
	}
}

func TestMutationLogStuckMutations(t *testing.T) {
	log, events := newTestLog(t, "acme")
	ctx := context.Background()

	sub := events.Subscribe(EventFilter{Types: []EventType{EventMutationStuck}})
	defer sub.Close()

	old := pendingMut("m-old", "acme", "r1", time.Now().Add(-time.Hour).UnixMilli())
	fresh := pendingMut("m-new", "acme", "r2", time.Now().UnixMilli())
	if err := log.Append(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := log.Append(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	stuck, err := log.StuckMutations(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("StuckMutations() error: %v", err)
	}
	if len(stuck) != 1 || stuck[0].MutationID != "m-old" {
		t.Fatalf("stuck = %+v", stuck)
	}

	select {
	case e := <-sub.Events:
		if e.MutationID != "m-old" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no stuck event")
	}
}

func TestMutationLogLen(t *testing.T) {
	log, _ := newTestLog(t, "acme")
	ctx := context.Background()

	if n, _ := log.Len(ctx); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
	if err := log.Append(ctx, pendingMut("m-1", "acme", "r1", 1)); err != nil {
		t.Fatal(err)
	}
	if n, _ := log.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}
