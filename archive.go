package tether

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ArchiveBackend persists applied snapshots outside the local store, for
// audit and for re-bootstrapping other replicas. Backends are keyed by
// (tenant, snapshot id).
type ArchiveBackend interface {
	// Store persists a snapshot.
	Store(ctx context.Context, snap *Snapshot) error

	// Load retrieves a snapshot by id.
	Load(ctx context.Context, tenantID, snapshotID string) (*Snapshot, error)

	// List returns snapshot ids for a tenant, oldest first.
	List(ctx context.Context, tenantID string) ([]string, error)

	// Delete removes a snapshot.
	Delete(ctx context.Context, tenantID, snapshotID string) error

	// Close releases backend resources.
	Close() error
}

// archiveKey builds the canonical object key for a snapshot.
func archiveKey(tenantID, snapshotID string) string {
	return fmt.Sprintf("%s/%s.json", tenantID, snapshotID)
}

// MemoryArchive is an in-memory archive backend for testing and ephemeral
// use.
type MemoryArchive struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		data: make(map[string][]byte),
	}
}

func (m *MemoryArchive) Store(ctx context.Context, snap *Snapshot) error {
	encoded, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[archiveKey(snap.TenantID, snap.SnapshotID)] = encoded
	return nil
}

func (m *MemoryArchive) Load(ctx context.Context, tenantID, snapshotID string) (*Snapshot, error) {
	m.mu.RLock()
	encoded, ok := m.data[archiveKey(tenantID, snapshotID)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var snap Snapshot
	if err := json.Unmarshal(encoded, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *MemoryArchive) List(ctx context.Context, tenantID string) ([]string, error) {
	prefix := tenantID + "/"

	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			id := strings.TrimPrefix(key, prefix)
			ids = append(ids, strings.TrimSuffix(id, ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryArchive) Delete(ctx context.Context, tenantID, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, archiveKey(tenantID, snapshotID))
	return nil
}

func (m *MemoryArchive) Close() error {
	return nil
}

// FileArchive stores snapshots as JSON files under a base directory, one
// subdirectory per tenant.
type FileArchive struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileArchive creates a file archive rooted at baseDir, creating the
// directory if needed.
func NewFileArchive(baseDir string) (*FileArchive, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileArchive{baseDir: baseDir}, nil
}

func (f *FileArchive) path(tenantID, snapshotID string) string {
	return filepath.Join(f.baseDir, tenantID, snapshotID+".json")
}

func (f *FileArchive) Store(ctx context.Context, snap *Snapshot) error {
	encoded, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Join(f.baseDir, snap.TenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// Write-then-rename so readers never observe a partial file.
	target := f.path(snap.TenantID, snap.SnapshotID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func (f *FileArchive) Load(ctx context.Context, tenantID, snapshotID string) (*Snapshot, error) {
	encoded, err := os.ReadFile(f.path(tenantID, snapshotID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(encoded, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (f *FileArchive) List(ctx context.Context, tenantID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.baseDir, tenantID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *FileArchive) Delete(ctx context.Context, tenantID, snapshotID string) error {
	err := os.Remove(f.path(tenantID, snapshotID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FileArchive) Close() error {
	return nil
}
