package tether

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// snapshotChecksum returns the hex-encoded SHA-256 of a snapshot payload.
func snapshotChecksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// verifySnapshot checks the payload against its declared checksum and
// decodes the record set. A mismatched snapshot is discarded unapplied.
func verifySnapshot(snap *Snapshot) ([]*Record, error) {
	if snapshotChecksum(snap.Payload) != snap.Checksum {
		return nil, ErrChecksumMismatch
	}
	var records []*Record
	if err := json.Unmarshal(snap.Payload, &records); err != nil {
		return nil, fmt.Errorf("snapshot payload decode failed: %w", err)
	}
	return records, nil
}

// restoreFromSnapshot replaces a collection's local state with the
// server's authoritative full state. Used when the server has forgotten
// the cursor or the delta is larger than the divergence threshold. Pending
// mutations stay queued; their push re-raises any divergence against the
// restored state.
func (e *SyncEngine) restoreFromSnapshot(ctx context.Context, collection string) error {
	snap, err := e.transport.FetchSnapshot(ctx, collection, "latest")
	if err != nil {
		return err
	}
	if snap.TenantID != "" && snap.TenantID != e.tenantID {
		return ErrTenantMismatch
	}

	records, err := verifySnapshot(snap)
	if err != nil {
		return err
	}

	kept := make([]*Record, 0, len(records))
	for _, rec := range records {
		if rec.TenantID != "" && rec.TenantID != e.tenantID {
			continue
		}
		r := rec.Clone()
		r.TenantID = e.tenantID
		r.Meta.MutationID = ""
		r.Meta.LastSyncedAt = snap.CreatedAt
		kept = append(kept, r)
		e.seedClock(r.Meta.VectorClock)
	}

	cursor := &SyncCursor{
		TenantID:     e.tenantID,
		Collection:   collection,
		LastPulledAt: snap.CreatedAt,
		LastStatus:   SyncSuccess,
	}
	if err := e.store.ReplaceRecords(ctx, collection, e.tenantID, kept, cursor); err != nil {
		return err
	}

	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		e.logger.Warn("snapshot save failed", "collection", collection, "error", err)
	}
	e.archiveSnapshot(snap)

	e.logger.Info("collection restored from snapshot",
		"tenant", e.tenantID,
		"collection", collection,
		"snapshot", snap.SnapshotID,
		"records", len(kept))

	for _, rec := range kept {
		if repo := e.repoFor(collection); repo != nil {
			repo.emitChanged(rec.ID)
		}
	}
	return nil
}

// archiveSnapshot persists an applied snapshot to the configured archive
// backend in the background. Archive failures are logged, never fatal.
func (e *SyncEngine) archiveSnapshot(snap *Snapshot) {
	e.mu.Lock()
	backend := e.archive
	e.mu.Unlock()
	if backend == nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := backend.Store(ctx, snap); err != nil {
			e.logger.Warn("snapshot archive failed",
				"snapshot", snap.SnapshotID, "error", err)
		}
	}()
}

// setArchive installs the archive backend. Called once during engine
// wiring.
func (e *SyncEngine) setArchive(backend ArchiveBackend) {
	e.mu.Lock()
	e.archive = backend
	e.mu.Unlock()
}

// BuildSnapshot serializes the current local state of a collection into a
// checksummed snapshot, suitable for archival or re-bootstrap of another
// replica.
func (e *SyncEngine) BuildSnapshot(ctx context.Context, collection string) (*Snapshot, error) {
	records, err := e.store.ListRecords(ctx, collection, e.tenantID, RecordQuery{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*Record{}
	}

	payload, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}

	var version int64
	for _, rec := range records {
		if rec.Meta.Version > version {
			version = rec.Meta.Version
		}
	}

	return &Snapshot{
		SnapshotID: NewSnapshotID(),
		TenantID:   e.tenantID,
		EntityType: collection,
		Version:    version,
		Payload:    payload,
		CreatedAt:  e.nowFn(),
		Checksum:   snapshotChecksum(payload),
	}, nil
}
