package tether

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tether-sync/tether/internal/testutil"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	_, path := testutil.TempDBPath(t)
	store, err := NewLocalStore(LocalStoreConfig{Path: path})
	if err != nil {
		t.Fatalf("NewLocalStore() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(id, tenantID string, version int64) *Record {
	return &Record{
		ID:       id,
		TenantID: tenantID,
		Type:     "task",
		Payload:  json.RawMessage(`{"title":"x"}`),
		Meta: RecordMeta{
			CreatedAt: 1000,
			UpdatedAt: 1000,
			Version:   version,
		},
	}
}

func TestLocalStorePutGetRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("r1", "acme", 1)
	rec.Meta.VectorClock = map[string]uint64{"c1": 1}
	if err := store.PutRecord(ctx, "tasks", rec); err != nil {
		t.Fatalf("PutRecord() error: %v", err)
	}

	got, err := store.GetRecord(ctx, "tasks", "r1")
	if err != nil {
		t.Fatalf("GetRecord() error: %v", err)
	}
	if got.TenantID != "acme" || got.Meta.Version != 1 {
		t.Errorf("got %+v", got)
	}
	if got.Meta.VectorClock["c1"] != 1 {
		t.Errorf("vector clock not persisted: %v", got.Meta.VectorClock)
	}
	if string(got.Payload) != `{"title":"x"}` {
		t.Errorf("Payload = %s", got.Payload)
	}
}

func TestLocalStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetRecord(context.Background(), "tasks", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLocalStorePersistsAcrossReopen(t *testing.T) {
	_, path := testutil.TempDBPath(t)
	ctx := context.Background()

	store, err := NewLocalStore(LocalStoreConfig{Path: path})
	if err != nil {
		t.Fatalf("NewLocalStore() error: %v", err)
	}
	if err := store.PutRecord(ctx, "tasks", testRecord("r1", "acme", 1)); err != nil {
		t.Fatalf("PutRecord() error: %v", err)
	}
	store.Close()

	reopened, err := NewLocalStore(LocalStoreConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetRecord(ctx, "tasks", "r1"); err != nil {
		t.Errorf("record lost across reopen: %v", err)
	}
}

func TestLocalStoreClosedOperations(t *testing.T) {
	store := newTestStore(t)
	store.Close()

	if _, err := store.GetRecord(context.Background(), "tasks", "r1"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("err = %v, want ErrStoreClosed", err)
	}
	if err := store.PutRecord(context.Background(), "tasks", testRecord("r1", "acme", 1)); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("err = %v, want ErrStoreClosed", err)
	}
}

func TestLocalStoreListRecordsFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testRecord("a", "acme", 1)
	a.Meta.UpdatedAt = 100
	b := testRecord("b", "acme", 1)
	b.Meta.UpdatedAt = 200
	b.Type = "note"
	tomb := testRecord("c", "acme", 2)
	tomb.Meta.UpdatedAt = 300
	tomb.Meta.Deleted = true
	other := testRecord("d", "globex", 1)

	for _, rec := range []*Record{a, b, tomb, other} {
		if err := store.PutRecord(ctx, "tasks", rec); err != nil {
			t.Fatalf("PutRecord(%s) error: %v", rec.ID, err)
		}
	}

	all, err := store.ListRecords(ctx, "tasks", "acme", RecordQuery{IncludeDeleted: true, OrderByUpdatedAt: true})
	if err != nil {
		t.Fatalf("ListRecords() error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3 (tenant scoped)", len(all))
	}
	if all[0].ID != "a" || all[2].ID != "c" {
		t.Errorf("order wrong: %s..%s", all[0].ID, all[2].ID)
	}

	live, err := store.ListRecords(ctx, "tasks", "acme", RecordQuery{})
	if err != nil {
		t.Fatalf("ListRecords() error: %v", err)
	}
	if len(live) != 2 {
		t.Errorf("len = %d, want 2 without tombstones", len(live))
	}

	notes, err := store.ListRecords(ctx, "tasks", "acme", RecordQuery{Type: "note"})
	if err != nil {
		t.Fatalf("ListRecords() error: %v", err)
	}
	if len(notes) != 1 || notes[0].ID != "b" {
		t.Errorf("type filter wrong: %+v", notes)
	}

	since, err := store.ListRecords(ctx, "tasks", "acme", RecordQuery{UpdatedSince: 150, IncludeDeleted: true})
	if err != nil {
		t.Fatalf("ListRecords() error: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("UpdatedSince filter returned %d, want 2", len(since))
	}
}

func TestLocalStorePutRecordWithMutationAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("r1", "acme", 1)
	rec.Meta.MutationID = "m-1"
	m := &PendingMutation{
		MutationID: "m-1",
		TenantID:   "acme",
		Kind:       MutationCreate,
		Collection: "tasks",
		RecordID:   "r1",
		Payload:    rec.Payload,
		Version:    1,
		Timestamp:  1000,
	}

	if err := store.PutRecordWithMutation(ctx, "tasks", rec, m); err != nil {
		t.Fatalf("PutRecordWithMutation() error: %v", err)
	}

	if _, err := store.GetRecord(ctx, "tasks", "r1"); err != nil {
		t.Errorf("record missing: %v", err)
	}
	muts, err := store.PendingMutations(ctx, "acme", 0)
	if err != nil {
		t.Fatalf("PendingMutations() error: %v", err)
	}
	if len(muts) != 1 || muts[0].MutationID != "m-1" {
		t.Errorf("mutations = %+v", muts)
	}
	if muts[0].Seq == 0 {
		t.Error("expected a storage-assigned seq")
	}
}

func TestLocalStoreMutationQueueOrderAndAck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"m-1", "m-2", "m-3"} {
		m := &PendingMutation{
			MutationID: id,
			TenantID:   "acme",
			Kind:       MutationUpdate,
			Collection: "tasks",
			RecordID:   "r1",
			Version:    int64(i + 1),
			Timestamp:  int64(1000 + i),
		}
		if err := store.AppendMutation(ctx, m); err != nil {
			t.Fatalf("AppendMutation(%s) error: %v", id, err)
		}
	}

	muts, _ := store.PendingMutations(ctx, "acme", 0)
	if len(muts) != 3 || muts[0].MutationID != "m-1" || muts[2].MutationID != "m-3" {
		t.Fatalf("append order broken: %+v", muts)
	}

	if err := store.AckMutationsThrough(ctx, "acme", "m-2"); err != nil {
		t.Fatalf("AckMutationsThrough() error: %v", err)
	}
	muts, _ = store.PendingMutations(ctx, "acme", 0)
	if len(muts) != 1 || muts[0].MutationID != "m-3" {
		t.Errorf("after ack: %+v", muts)
	}
}

func TestLocalStoreQuarantineAndRedrive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := &PendingMutation{
		MutationID: "m-bad", TenantID: "acme", Kind: MutationUpdate,
		Collection: "tasks", RecordID: "r1", Timestamp: 1000,
	}
	if err := store.AppendMutation(ctx, m); err != nil {
		t.Fatalf("AppendMutation() error: %v", err)
	}

	if err := store.SetMutationStatus(ctx, "m-bad", "quarantined", "schema rejected"); err != nil {
		t.Fatalf("SetMutationStatus() error: %v", err)
	}

	pending, _ := store.PendingMutations(ctx, "acme", 0)
	if len(pending) != 0 {
		t.Errorf("quarantined mutation still pending: %+v", pending)
	}
	q, _ := store.QuarantinedMutations(ctx, "acme")
	if len(q) != 1 || q[0].LastError != "schema rejected" {
		t.Errorf("quarantine = %+v", q)
	}

	if err := store.SetMutationStatus(ctx, "m-bad", "pending", ""); err != nil {
		t.Fatalf("redrive error: %v", err)
	}
	pending, _ = store.PendingMutations(ctx, "acme", 0)
	if len(pending) != 1 {
		t.Errorf("redriven mutation not pending: %+v", pending)
	}
}

func TestLocalStoreCursorRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cursor, err := store.GetCursor(ctx, "acme", "tasks")
	if err != nil {
		t.Fatalf("GetCursor() error: %v", err)
	}
	if cursor.LastStatus != SyncIdle || cursor.LastPulledAt != 0 {
		t.Errorf("fresh cursor = %+v", cursor)
	}

	cursor.LastPulledAt = 5000
	cursor.LastStatus = SyncSuccess
	if err := store.PutCursor(ctx, cursor); err != nil {
		t.Fatalf("PutCursor() error: %v", err)
	}

	got, err := store.GetCursor(ctx, "acme", "tasks")
	if err != nil {
		t.Fatalf("GetCursor() error: %v", err)
	}
	if got.LastPulledAt != 5000 || got.LastStatus != SyncSuccess {
		t.Errorf("cursor = %+v", got)
	}
}

func TestLocalStoreReplaceRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutRecord(ctx, "tasks", testRecord("old", "acme", 1)); err != nil {
		t.Fatalf("PutRecord() error: %v", err)
	}

	replacement := []*Record{testRecord("new-1", "acme", 3), testRecord("new-2", "acme", 5)}
	cursor := &SyncCursor{TenantID: "acme", Collection: "tasks", LastPulledAt: 9000, LastStatus: SyncSuccess}
	if err := store.ReplaceRecords(ctx, "tasks", "acme", replacement, cursor); err != nil {
		t.Fatalf("ReplaceRecords() error: %v", err)
	}

	if _, err := store.GetRecord(ctx, "tasks", "old"); !errors.Is(err, ErrNotFound) {
		t.Error("old record should be gone after replace")
	}
	all, _ := store.ListRecords(ctx, "tasks", "acme", RecordQuery{IncludeDeleted: true})
	if len(all) != 2 {
		t.Errorf("len = %d, want 2", len(all))
	}
	got, _ := store.GetCursor(ctx, "acme", "tasks")
	if got.LastPulledAt != 9000 {
		t.Errorf("cursor not replaced atomically: %+v", got)
	}
}

func TestLocalStoreWipeTenant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutRecord(ctx, "tasks", testRecord("r1", "acme", 1)); err != nil {
		t.Fatal(err)
	}
	if err := store.PutRecord(ctx, "tasks", testRecord("r2", "globex", 1)); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMutation(ctx, &PendingMutation{
		MutationID: "m-1", TenantID: "acme", Kind: MutationCreate,
		Collection: "tasks", RecordID: "r1", Timestamp: 1,
	}); err != nil {
		t.Fatal(err)
	}

	if err := store.WipeTenant(ctx, "acme"); err != nil {
		t.Fatalf("WipeTenant() error: %v", err)
	}

	if _, err := store.GetRecord(ctx, "tasks", "r1"); !errors.Is(err, ErrNotFound) {
		t.Error("acme record should be wiped")
	}
	if _, err := store.GetRecord(ctx, "tasks", "r2"); err != nil {
		t.Error("globex record must survive another tenant's wipe")
	}
	muts, _ := store.PendingMutations(ctx, "acme", 0)
	if len(muts) != 0 {
		t.Errorf("acme mutations should be wiped: %+v", muts)
	}
}

func TestLocalStoreEncryptedPayloadAtRest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "enc.db")
	ctx := context.Background()

	store, err := NewLocalStore(LocalStoreConfig{
		Path:       path,
		Encryption: EncryptionConfig{Enabled: true, KeyPassword: "hunter2"},
	})
	if err != nil {
		t.Fatalf("NewLocalStore() error: %v", err)
	}

	rec := testRecord("r1", "acme", 1)
	if err := store.PutRecord(ctx, "tasks", rec); err != nil {
		t.Fatalf("PutRecord() error: %v", err)
	}

	got, err := store.GetRecord(ctx, "tasks", "r1")
	if err != nil {
		t.Fatalf("GetRecord() error: %v", err)
	}
	if string(got.Payload) != `{"title":"x"}` {
		t.Errorf("decrypted payload = %s", got.Payload)
	}
	store.Close()

	// Same password must reopen via the persisted salt.
	reopened, err := NewLocalStore(LocalStoreConfig{
		Path:       path,
		Encryption: EncryptionConfig{Enabled: true, KeyPassword: "hunter2"},
	})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	got, err = reopened.GetRecord(ctx, "tasks", "r1")
	if err != nil {
		t.Fatalf("GetRecord() after reopen error: %v", err)
	}
	if string(got.Payload) != `{"title":"x"}` {
		t.Errorf("payload after reopen = %s", got.Payload)
	}
}

func TestLocalStoreSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	payload := json.RawMessage(`[]`)
	snap := &Snapshot{
		SnapshotID: "snap-1",
		TenantID:   "acme",
		EntityType: "tasks",
		Version:    7,
		Payload:    payload,
		CreatedAt:  123,
		Checksum:   snapshotChecksum(payload),
	}
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot() error: %v", err)
	}

	got, err := store.GetSnapshot(ctx, "snap-1")
	if err != nil {
		t.Fatalf("GetSnapshot() error: %v", err)
	}
	if got.Version != 7 || got.Checksum != snap.Checksum {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestLocalStoreStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutRecord(ctx, "tasks", testRecord("r1", "acme", 1)); err != nil {
		t.Fatal(err)
	}
	tomb := testRecord("r2", "acme", 2)
	tomb.Meta.Deleted = true
	if err := store.PutRecord(ctx, "tasks", tomb); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMutation(ctx, &PendingMutation{
		MutationID: "m-1", TenantID: "acme", Kind: MutationCreate,
		Collection: "tasks", RecordID: "r1", Timestamp: 1,
	}); err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if stats.RecordCount != 2 || stats.TombstoneCount != 1 || stats.PendingMutations != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
