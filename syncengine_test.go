package tether

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeSyncServer is a minimal replication server for engine tests.
type fakeSyncServer struct {
	mu       sync.Mutex
	pushed   []*PendingMutation
	rejectFn func(m *PendingMutation) (status int, body string)
	pullFn   func(collection string, since int64) *PullResponse
	snapFn   func(collection string) *Snapshot
	srv      *httptest.Server
}

func newFakeSyncServer(t *testing.T) *fakeSyncServer {
	t.Helper()
	s := &fakeSyncServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/sync/push", func(w http.ResponseWriter, r *http.Request) {
		var m PendingMutation
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		reject := s.rejectFn
		s.mu.Unlock()
		if reject != nil {
			if status, body := reject(&m); status != 0 {
				w.WriteHeader(status)
				if body != "" {
					w.Write([]byte(body))
				}
				return
			}
		}
		s.mu.Lock()
		s.pushed = append(s.pushed, &m)
		s.mu.Unlock()
		json.NewEncoder(w).Encode(PushResponse{Accepted: true, ServerTimestamp: 10_000})
	})
	mux.HandleFunc("/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		collection := r.URL.Query().Get("collection")
		s.mu.Lock()
		pull := s.pullFn
		s.mu.Unlock()
		resp := &PullResponse{ServerTimestamp: 10_000}
		if pull != nil {
			resp = pull(collection, since)
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/sync/snapshot/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		snap := s.snapFn
		s.mu.Unlock()
		if snap == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(snap("tasks"))
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeSyncServer) pushedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.pushed))
	for i, m := range s.pushed {
		out[i] = m.MutationID
	}
	return out
}

type syncHarness struct {
	engine  *SyncEngine
	repo    *Repository
	store   *LocalStore
	log     *MutationLog
	monitor *ConnectivityMonitor
	events  *EventBus
	server  *fakeSyncServer
}

func newSyncHarness(t *testing.T, strategy ResolveStrategy) *syncHarness {
	t.Helper()

	server := newFakeSyncServer(t)
	store := newTestStore(t)
	events := NewEventBus(64)
	t.Cleanup(events.Close)

	cfg := DefaultSyncConfig()
	cfg.Compression = false
	cfg.RequestTimeout = 5 * time.Second
	cfg.SnapshotDivergenceThreshold = 100

	clock := NewVectorClock()
	log := NewMutationLog(store, "acme", events)
	transport := NewTransport(server.srv.URL, "tok", "acme", nil, cfg)
	resolver := NewConflictResolver(strategy, nil)
	monitor := NewConnectivityMonitor(transport, ConnectivityConfig{
		ProbeInterval: time.Hour,
		ProbeTimeout:  time.Second,
	})
	monitor.SetNetworkAvailable(true)

	engine := NewSyncEngine(cfg, "acme", "client-1", store, log, transport,
		resolver, monitor, events, clock, nil)
	repo := NewRepository(store, "tasks", "acme", "client-1", clock, events)
	engine.RegisterCollection("tasks", repo)

	return &syncHarness{
		engine:  engine,
		repo:    repo,
		store:   store,
		log:     log,
		monitor: monitor,
		events:  events,
		server:  server,
	}
}

func TestSyncOfflineThenReconnectPushes(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	h.monitor.SetNetworkAvailable(false)

	rec := &Record{ID: "r1", Type: "task", Payload: json.RawMessage(`{"title":"offline write"}`)}
	if err := h.repo.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}

	// Offline passes are a no-op: nothing reaches the server, the queue
	// stays put.
	if err := h.engine.SyncNow(ctx); err != nil {
		t.Fatalf("offline SyncNow() error: %v", err)
	}
	if n := len(h.server.pushedIDs()); n != 0 {
		t.Fatalf("pushed %d mutations while offline", n)
	}
	if n, _ := h.log.Len(ctx); n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}

	h.monitor.SetNetworkAvailable(true)
	if err := h.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() error: %v", err)
	}

	if got := h.server.pushedIDs(); len(got) != 1 || got[0] != rec.Meta.MutationID {
		t.Errorf("pushed = %v", got)
	}
	if n, _ := h.log.Len(ctx); n != 0 {
		t.Errorf("queue len = %d after ack", n)
	}

	confirmed, _ := h.repo.Get(ctx, "r1")
	if confirmed.Meta.MutationID != "" {
		t.Error("confirmed record still carries a pending mutation id")
	}
	if confirmed.Meta.LastSyncedAt != 10_000 {
		t.Errorf("LastSyncedAt = %d", confirmed.Meta.LastSyncedAt)
	}
}

func TestSyncPushPrefixAck(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	var ids []string
	for _, rid := range []string{"r1", "r2", "r3"} {
		rec := &Record{ID: rid, Type: "task", Payload: json.RawMessage(`{}`)}
		if err := h.repo.Put(ctx, rec); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.Meta.MutationID)
	}

	// r2 fails retryably; r1 acks as prefix, r3 succeeds past the gap and
	// is removed individually.
	h.server.rejectFn = func(m *PendingMutation) (int, string) {
		if m.RecordID == "r2" {
			return http.StatusServiceUnavailable, ""
		}
		return 0, ""
	}

	if err := h.engine.SyncNow(ctx); err == nil {
		t.Fatal("expected pass error from the failed push")
	}

	if got := h.server.pushedIDs(); len(got) != 2 || got[0] != ids[0] || got[1] != ids[2] {
		t.Errorf("pushed = %v, want r1 and r3 only", got)
	}

	remaining, _ := h.log.PeekBatch(ctx, 10)
	if len(remaining) != 1 || remaining[0].RecordID != "r2" {
		t.Fatalf("queue = %+v, want only r2's mutation", remaining)
	}
	if remaining[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", remaining[0].RetryCount)
	}
}

func TestSyncPushPinsCausallyDependentMutations(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	// Two mutations on the same record: the second depends on the first.
	if err := h.repo.Put(ctx, &Record{ID: "r1", Type: "task", Payload: json.RawMessage(`{"v":1}`)}); err != nil {
		t.Fatal(err)
	}
	if err := h.repo.Put(ctx, &Record{ID: "r1", Type: "task", Payload: json.RawMessage(`{"v":2}`)}); err != nil {
		t.Fatal(err)
	}

	attempts := 0
	h.server.rejectFn = func(m *PendingMutation) (int, string) {
		attempts++
		return http.StatusServiceUnavailable, ""
	}

	h.engine.SyncNow(ctx)

	if attempts != 1 {
		t.Errorf("attempts = %d, the dependent mutation must not be tried", attempts)
	}
	if n, _ := h.log.Len(ctx); n != 2 {
		t.Errorf("queue len = %d, both mutations must survive", n)
	}
}

func TestSyncPermanentRejectionQuarantines(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	sub := h.events.Subscribe(EventFilter{Types: []EventType{EventMutationQuarantined}})
	defer sub.Close()

	if err := h.repo.Put(ctx, &Record{ID: "r1", Type: "task", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatal(err)
	}
	h.server.rejectFn = func(m *PendingMutation) (int, string) {
		return http.StatusUnprocessableEntity, `{"error":"schema rejected","classification":{"permanent":true}}`
	}

	h.engine.SyncNow(ctx)

	if n, _ := h.log.Len(ctx); n != 0 {
		t.Errorf("queue len = %d, want 0 after quarantine", n)
	}
	q, _ := h.log.QuarantineList(ctx)
	if len(q) != 1 || q[0].LastError != "schema rejected" {
		t.Errorf("quarantine = %+v", q)
	}

	select {
	case <-sub.Events:
	case <-time.After(time.Second):
		t.Fatal("no quarantine event")
	}
}

func TestSyncRetryableExhaustionQuarantines(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	sub := h.events.Subscribe(EventFilter{Types: []EventType{EventMutationQuarantined}})
	defer sub.Close()

	if err := h.repo.Put(ctx, &Record{ID: "r1", Type: "task", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatal(err)
	}
	h.server.rejectFn = func(m *PendingMutation) (int, string) {
		return http.StatusServiceUnavailable, ""
	}

	// Each pass burns one attempt; the third exhausts MaxRetries even for
	// a classified retryable failure.
	for i := 0; i < 3; i++ {
		if err := h.engine.SyncNow(ctx); err == nil {
			t.Fatalf("pass %d: expected push error", i+1)
		}
	}

	if n, _ := h.log.Len(ctx); n != 0 {
		t.Errorf("queue len = %d, want 0 after exhaustion", n)
	}
	q, _ := h.log.QuarantineList(ctx)
	if len(q) != 1 || q[0].RecordID != "r1" {
		t.Fatalf("quarantine = %+v, want r1's mutation", q)
	}
	select {
	case <-sub.Events:
	case <-time.After(time.Second):
		t.Fatal("no quarantine event")
	}
}

func TestSyncFailedPassSchedulesBackoffRetry(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	// Interval out of the way: only the backoff timer can rerun the pass.
	h.engine.config.SyncInterval = time.Hour
	h.engine.config.InitialBackoff = 5 * time.Millisecond
	h.engine.config.MaxBackoff = 20 * time.Millisecond

	if err := h.repo.Put(ctx, &Record{ID: "r1", Type: "task", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	attempts := 0
	h.server.rejectFn = func(m *PendingMutation) (int, string) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return http.StatusServiceUnavailable, ""
	}

	h.engine.Start()
	defer h.engine.Stop()
	h.engine.NudgeSync()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("attempts = %d, failed pass was not retried", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSyncPullAppliesAndAdvancesCursor(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	change := testRecord("srv-1", "acme", 3)
	change.Meta.UpdatedAt = 8000
	h.server.pullFn = func(collection string, since int64) *PullResponse {
		return &PullResponse{Changes: []*Record{change}, ServerTimestamp: 9000}
	}

	if err := h.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() error: %v", err)
	}

	got, err := h.repo.Get(ctx, "srv-1")
	if err != nil {
		t.Fatalf("pulled record missing: %v", err)
	}
	if got.Meta.Version != 3 || got.Meta.LastSyncedAt != 9000 {
		t.Errorf("meta = %+v", got.Meta)
	}

	cursor, _ := h.store.GetCursor(ctx, "acme", "tasks")
	if cursor.LastPulledAt != 9000 || cursor.LastStatus != SyncSuccess {
		t.Errorf("cursor = %+v", cursor)
	}

	// Server changes never enqueue pushes.
	if n, _ := h.log.Len(ctx); n != 0 {
		t.Errorf("queue len = %d", n)
	}
}

func TestSyncPullFailedApplyHoldsCursor(t *testing.T) {
	h := newSyncHarness(t, ResolveOperationalMerge)
	ctx := context.Background()

	// Divergence under operational merge with no merge function: the
	// resolution errors and the change must stay re-pullable.
	if err := h.repo.Put(ctx, &Record{ID: "r1", Type: "task", Payload: json.RawMessage(`{"v":"local"}`)}); err != nil {
		t.Fatal(err)
	}
	h.server.rejectFn = func(m *PendingMutation) (int, string) {
		return http.StatusServiceUnavailable, ""
	}

	incoming := testRecord("r1", "acme", 4)
	incoming.Meta.UpdatedAt = 8000
	incoming.Meta.ClientID = "client-2"
	incoming.Meta.VectorClock = map[string]uint64{"client-2": 1}
	h.server.pullFn = func(collection string, since int64) *PullResponse {
		return &PullResponse{Changes: []*Record{incoming}, ServerTimestamp: 9000}
	}

	if err := h.engine.SyncNow(ctx); err == nil {
		t.Fatal("expected pass error from the failed resolution")
	}

	cursor, _ := h.store.GetCursor(ctx, "acme", "tasks")
	if cursor.LastPulledAt >= 9000 {
		t.Errorf("LastPulledAt = %d, cursor must not pass the unapplied change", cursor.LastPulledAt)
	}
	if cursor.LastStatus != SyncFailed {
		t.Errorf("LastStatus = %q", cursor.LastStatus)
	}

	got, _ := h.repo.Get(ctx, "r1")
	if string(got.Payload) != `{"v":"local"}` {
		t.Errorf("payload = %s, failed resolution must not alter the record", got.Payload)
	}
}

func TestSyncPullIgnoresLowerVersionEcho(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	confirmed := testRecord("r1", "acme", 5)
	confirmed.Meta.UpdatedAt = 1000
	if err := h.repo.ApplyRemote(ctx, confirmed, 5000); err != nil {
		t.Fatal(err)
	}

	// A lower version with a newer wall-clock timestamp is still stale.
	stale := testRecord("r1", "acme", 3)
	stale.Payload = json.RawMessage(`{"title":"stale"}`)
	stale.Meta.UpdatedAt = 2000
	h.server.pullFn = func(collection string, since int64) *PullResponse {
		return &PullResponse{Changes: []*Record{stale}, ServerTimestamp: 9000}
	}

	if err := h.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() error: %v", err)
	}

	got, _ := h.repo.Get(ctx, "r1")
	if got.Meta.Version != 5 {
		t.Errorf("Version = %d, want 5: versions never move backward", got.Meta.Version)
	}
	if string(got.Payload) != `{"title":"x"}` {
		t.Errorf("payload = %s", got.Payload)
	}
}

func TestSyncCursorNeverRegresses(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	if err := h.store.PutCursor(ctx, &SyncCursor{
		TenantID: "acme", Collection: "tasks", LastPulledAt: 20_000, LastStatus: SyncSuccess,
	}); err != nil {
		t.Fatal(err)
	}

	h.server.pullFn = func(collection string, since int64) *PullResponse {
		return &PullResponse{ServerTimestamp: 15_000}
	}

	if err := h.engine.SyncNow(ctx); err != nil {
		t.Fatal(err)
	}

	cursor, _ := h.store.GetCursor(ctx, "acme", "tasks")
	if cursor.LastPulledAt != 20_000 {
		t.Errorf("LastPulledAt = %d, cursor regressed", cursor.LastPulledAt)
	}
}

func TestSyncForeignTenantChangeRefused(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	sub := h.events.Subscribe(EventFilter{Types: []EventType{EventAudit}})
	defer sub.Close()

	h.server.pullFn = func(collection string, since int64) *PullResponse {
		return &PullResponse{Changes: []*Record{testRecord("r1", "globex", 1)}, ServerTimestamp: 9000}
	}

	if err := h.engine.SyncNow(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := h.store.GetRecord(ctx, "tasks", "r1"); err == nil {
		t.Error("foreign-tenant change must not land")
	}
	select {
	case e := <-sub.Events:
		if e.RecordID != "r1" {
			t.Errorf("audit event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no audit event")
	}
}

func TestSyncConflictRemoteWins(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	if err := h.repo.Put(ctx, &Record{ID: "r1", Type: "task", Payload: json.RawMessage(`{"v":"local"}`)}); err != nil {
		t.Fatal(err)
	}

	incoming := testRecord("r1", "acme", 4)
	incoming.Payload = json.RawMessage(`{"v":"incoming"}`)
	incoming.Meta.UpdatedAt = time.Now().Add(time.Hour).UnixMilli()
	incoming.Meta.ClientID = "client-2"
	incoming.Meta.VectorClock = map[string]uint64{"client-2": 1}
	h.server.pullFn = func(collection string, since int64) *PullResponse {
		return &PullResponse{Changes: []*Record{incoming}, ServerTimestamp: 9000}
	}

	// Keep the local mutation pending so the pull sees real divergence.
	h.server.rejectFn = func(m *PendingMutation) (int, string) {
		return http.StatusServiceUnavailable, ""
	}

	h.engine.SyncNow(ctx)

	got, _ := h.repo.Get(ctx, "r1")
	if string(got.Payload) != `{"v":"incoming"}` {
		t.Errorf("payload = %s, remote should win", got.Payload)
	}
	// Resolution jumps past both sides: local v1 against incoming v4.
	if got.Meta.Version != 5 {
		t.Errorf("Version = %d, want 5", got.Meta.Version)
	}
	if n, _ := h.log.Len(ctx); n != 0 {
		t.Errorf("queue len = %d, subsumed mutation must be dropped", n)
	}
	if h.engine.Stats().ConflictsResolved != 1 {
		t.Errorf("stats = %+v", h.engine.Stats())
	}
}

func TestSyncConflictLocalWinsRebuildsMutation(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	local := &Record{ID: "r1", Type: "task", Payload: json.RawMessage(`{"v":"local"}`)}
	if err := h.repo.Put(ctx, local); err != nil {
		t.Fatal(err)
	}
	oldMutation := local.Meta.MutationID

	incoming := testRecord("r1", "acme", 5)
	incoming.Payload = json.RawMessage(`{"v":"incoming"}`)
	incoming.Meta.UpdatedAt = 1000 // long before the local write
	incoming.Meta.ClientID = "client-2"
	incoming.Meta.VectorClock = map[string]uint64{"client-2": 1}
	h.server.pullFn = func(collection string, since int64) *PullResponse {
		return &PullResponse{Changes: []*Record{incoming}, ServerTimestamp: 9000}
	}

	// Block the push phase so the rebuilt mutation is observable.
	h.server.rejectFn = func(m *PendingMutation) (int, string) {
		return http.StatusServiceUnavailable, ""
	}

	h.engine.SyncNow(ctx)

	got, _ := h.repo.Get(ctx, "r1")
	if string(got.Payload) != `{"v":"local"}` {
		t.Errorf("payload = %s, local should win", got.Payload)
	}
	if got.Meta.Version != 6 {
		t.Errorf("Version = %d, want past both sides", got.Meta.Version)
	}
	if got.Meta.MutationID == oldMutation || got.Meta.MutationID == "" {
		t.Errorf("MutationID = %q, want a fresh rebuilt id", got.Meta.MutationID)
	}
	if got.Meta.VectorClock["client-2"] != 1 || got.Meta.VectorClock["client-1"] < 2 {
		t.Errorf("merged clock = %v", got.Meta.VectorClock)
	}

	remaining, _ := h.log.PeekBatch(ctx, 10)
	if len(remaining) != 1 || remaining[0].MutationID != got.Meta.MutationID {
		t.Errorf("queue = %+v, want only the rebuilt mutation", remaining)
	}
}

func TestSyncManualConflictPinsCursorAndResumes(t *testing.T) {
	h := newSyncHarness(t, ResolveManual)
	ctx := context.Background()

	sub := h.events.Subscribe(EventFilter{Types: []EventType{EventConflictDetected, EventConflictResolved}})
	defer sub.Close()

	if err := h.repo.Put(ctx, &Record{ID: "r1", Type: "task", Payload: json.RawMessage(`{"v":"local"}`)}); err != nil {
		t.Fatal(err)
	}

	incoming := testRecord("r1", "acme", 1)
	incoming.Payload = json.RawMessage(`{"v":"incoming"}`)
	incoming.Meta.ClientID = "client-2"
	incoming.Meta.VectorClock = map[string]uint64{"client-2": 1}
	h.server.pullFn = func(collection string, since int64) *PullResponse {
		return &PullResponse{Changes: []*Record{incoming}, ServerTimestamp: 9000}
	}
	h.server.rejectFn = func(m *PendingMutation) (int, string) {
		return http.StatusServiceUnavailable, ""
	}

	h.engine.SyncNow(ctx)

	var conflictID string
	select {
	case e := <-sub.Events:
		if e.Type != EventConflictDetected || e.ConflictID == "" {
			t.Fatalf("event = %+v", e)
		}
		conflictID = e.ConflictID
	case <-time.After(time.Second):
		t.Fatal("no conflict_detected event")
	}

	// The cursor holds just before the unresolved conflict's origin.
	cursor, _ := h.store.GetCursor(ctx, "acme", "tasks")
	if cursor.LastPulledAt != 8999 {
		t.Errorf("LastPulledAt = %d, want 8999", cursor.LastPulledAt)
	}

	// Further pulled changes for the record are held back while pinned.
	h.engine.SyncNow(ctx)
	got, _ := h.repo.Get(ctx, "r1")
	if string(got.Payload) != `{"v":"local"}` {
		t.Errorf("payload = %s, pinned record must not move", got.Payload)
	}

	registry := h.engine.resolver.Registry()
	conflict, ok := registry.Get(conflictID)
	if !ok {
		t.Fatal("conflict missing from registry")
	}
	if err := registry.Resolve(conflictID, conflict.Incoming); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	got, _ = h.repo.Get(ctx, "r1")
	if string(got.Payload) != `{"v":"incoming"}` {
		t.Errorf("payload = %s after resume", got.Payload)
	}
	if got.Meta.MutationID == "" {
		t.Error("resumed resolution must re-push the chosen record")
	}

	select {
	case e := <-sub.Events:
		if e.Type != EventConflictResolved || e.ConflictID != conflictID {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no conflict_resolved event")
	}

	// With the conflict gone the cursor may advance.
	h.engine.SyncNow(ctx)
	cursor, _ = h.store.GetCursor(ctx, "acme", "tasks")
	if cursor.LastPulledAt != 9000 {
		t.Errorf("LastPulledAt = %d after resume", cursor.LastPulledAt)
	}
}

func TestSyncSnapshotRestoreOnCursorLost(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	// Local state that the snapshot will replace.
	if err := h.repo.ApplyRemote(ctx, testRecord("stale", "acme", 1), 100); err != nil {
		t.Fatal(err)
	}

	records := []*Record{testRecord("snap-r1", "acme", 4), testRecord("snap-r2", "acme", 2)}
	payload, _ := json.Marshal(records)
	snap := &Snapshot{
		SnapshotID: "snap-1",
		TenantID:   "acme",
		EntityType: "tasks",
		Version:    4,
		Payload:    payload,
		CreatedAt:  12_000,
		Checksum:   snapshotChecksum(payload),
	}

	h.server.pullFn = func(collection string, since int64) *PullResponse {
		return &PullResponse{CursorLost: true, ServerTimestamp: 12_000}
	}
	h.server.snapFn = func(collection string) *Snapshot { return snap }

	if err := h.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() error: %v", err)
	}

	if _, err := h.repo.Get(ctx, "stale"); err == nil {
		t.Error("stale record should be replaced by the snapshot")
	}
	restored, err := h.repo.Get(ctx, "snap-r1")
	if err != nil {
		t.Fatalf("snapshot record missing: %v", err)
	}
	if restored.Meta.LastSyncedAt != 12_000 {
		t.Errorf("LastSyncedAt = %d", restored.Meta.LastSyncedAt)
	}

	cursor, _ := h.store.GetCursor(ctx, "acme", "tasks")
	if cursor.LastPulledAt != 12_000 || cursor.LastStatus != SyncSuccess {
		t.Errorf("cursor = %+v", cursor)
	}

	// The applied snapshot lands in the local snapshot table too.
	saved, err := h.store.GetSnapshot(ctx, "snap-1")
	if err != nil {
		t.Fatalf("GetSnapshot() error: %v", err)
	}
	if saved.Version != 4 {
		t.Errorf("saved snapshot = %+v", saved)
	}
}

func TestSyncSnapshotRestoreOnLargeDivergence(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	h.engine.config.SnapshotDivergenceThreshold = 2
	ctx := context.Background()

	changes := []*Record{
		testRecord("a", "acme", 1), testRecord("b", "acme", 1), testRecord("c", "acme", 1),
	}
	payload, _ := json.Marshal(changes)
	snap := &Snapshot{
		SnapshotID: "snap-big",
		TenantID:   "acme",
		EntityType: "tasks",
		Payload:    payload,
		CreatedAt:  13_000,
		Checksum:   snapshotChecksum(payload),
	}

	h.server.pullFn = func(collection string, since int64) *PullResponse {
		return &PullResponse{Changes: changes, ServerTimestamp: 13_000}
	}
	h.server.snapFn = func(collection string) *Snapshot { return snap }

	if err := h.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() error: %v", err)
	}

	cursor, _ := h.store.GetCursor(ctx, "acme", "tasks")
	if cursor.LastPulledAt != 13_000 {
		t.Errorf("cursor = %+v, want snapshot restore path", cursor)
	}
}

func TestSyncSnapshotChecksumMismatchDiscarded(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	if err := h.repo.ApplyRemote(ctx, testRecord("keep", "acme", 1), 100); err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal([]*Record{testRecord("bad", "acme", 1)})
	h.server.pullFn = func(collection string, since int64) *PullResponse {
		return &PullResponse{CursorLost: true, ServerTimestamp: 12_000}
	}
	h.server.snapFn = func(collection string) *Snapshot {
		return &Snapshot{
			SnapshotID: "snap-bad",
			TenantID:   "acme",
			EntityType: "tasks",
			Payload:    payload,
			CreatedAt:  12_000,
			Checksum:   "not-the-checksum",
		}
	}

	if err := h.engine.SyncNow(ctx); err == nil {
		t.Fatal("expected checksum mismatch to fail the pass")
	}

	if _, err := h.repo.Get(ctx, "keep"); err != nil {
		t.Error("corrupted snapshot must leave local state untouched")
	}
	if _, err := h.repo.Get(ctx, "bad"); err == nil {
		t.Error("corrupted snapshot must not apply")
	}
}

func TestSyncSingleFlightCoalesces(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)

	h.engine.mu.Lock()
	h.engine.syncing = true
	h.engine.mu.Unlock()

	// A pass in flight absorbs the call and schedules a follow-up.
	if err := h.engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() error: %v", err)
	}

	h.engine.mu.Lock()
	rerun := h.engine.rerun
	h.engine.syncing = false
	h.engine.mu.Unlock()
	if !rerun {
		t.Error("coalesced call should mark a rerun")
	}
}

func TestSyncStats(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	ctx := context.Background()

	if err := h.repo.Put(ctx, &Record{ID: "r1", Type: "task", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatal(err)
	}
	h.server.pullFn = func(collection string, since int64) *PullResponse {
		return &PullResponse{Changes: []*Record{testRecord("srv-1", "acme", 1)}, ServerTimestamp: 9000}
	}

	if err := h.engine.SyncNow(ctx); err != nil {
		t.Fatal(err)
	}

	stats := h.engine.Stats()
	if stats.SyncCount != 1 || stats.MutationsPushed != 1 || stats.ChangesPulled != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastSyncAt == 0 {
		t.Error("LastSyncAt not stamped")
	}
	if stats.BreakerState != "closed" {
		t.Errorf("BreakerState = %q", stats.BreakerState)
	}
}
