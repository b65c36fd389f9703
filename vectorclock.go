package tether

import (
	"encoding/json"
	"sync"
)

// VectorClock tracks per-client counters for causal conflict detection.
// Two clocks are concurrent when neither causally precedes the other;
// concurrent writes are the only ones that can produce true conflicts.
type VectorClock struct {
	clocks map[string]uint64
	mu     sync.RWMutex
}

// NewVectorClock creates an empty vector clock.
func NewVectorClock() *VectorClock {
	return &VectorClock{
		clocks: make(map[string]uint64),
	}
}

// NewVectorClockFromMap creates a vector clock seeded from a counter map.
// The map is copied; missing keys are treated as zero.
func NewVectorClockFromMap(m map[string]uint64) *VectorClock {
	vc := NewVectorClock()
	for k, v := range m {
		vc.clocks[k] = v
	}
	return vc
}

// Increment advances the counter for a client.
func (vc *VectorClock) Increment(clientID string) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.clocks[clientID]++
}

// Get returns the counter for a client. Missing clients read as zero.
func (vc *VectorClock) Get(clientID string) uint64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.clocks[clientID]
}

// Merge takes the per-client maximum of both clocks.
func (vc *VectorClock) Merge(other *VectorClock) {
	if other == nil {
		return
	}
	vc.mu.Lock()
	defer vc.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	for client, counter := range other.clocks {
		if counter > vc.clocks[client] {
			vc.clocks[client] = counter
		}
	}
}

// relationLocked reports whether any component of vc is less than other's
// and whether any is greater. Callers hold both locks.
func (vc *VectorClock) relationLocked(other *VectorClock) (less, greater bool) {
	for client := range vc.clocks {
		v1, v2 := vc.clocks[client], other.clocks[client]
		if v1 < v2 {
			less = true
		} else if v1 > v2 {
			greater = true
		}
	}
	for client := range other.clocks {
		if _, seen := vc.clocks[client]; seen {
			continue
		}
		if other.clocks[client] > 0 {
			less = true
		}
	}
	return less, greater
}

// Compare returns -1 if vc causally precedes other, 1 if other precedes vc,
// and 0 when the clocks are equal or concurrent.
func (vc *VectorClock) Compare(other *VectorClock) int {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	less, greater := vc.relationLocked(other)
	if less && !greater {
		return -1
	}
	if greater && !less {
		return 1
	}
	return 0
}

// HappensBefore returns true if vc causally precedes other.
func (vc *VectorClock) HappensBefore(other *VectorClock) bool {
	return vc.Compare(other) == -1
}

// Concurrent returns true if neither clock causally precedes the other and
// the clocks are not equal.
func (vc *VectorClock) Concurrent(other *VectorClock) bool {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	less, greater := vc.relationLocked(other)
	return less && greater
}

// Equal returns true if both clocks have identical counters.
func (vc *VectorClock) Equal(other *VectorClock) bool {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	less, greater := vc.relationLocked(other)
	return !less && !greater
}

// Clone returns a deep copy of the vector clock.
func (vc *VectorClock) Clone() *VectorClock {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	clone := NewVectorClock()
	for k, v := range vc.clocks {
		clone.clocks[k] = v
	}
	return clone
}

// Snapshot returns a copy of the counter map, suitable for embedding in
// wire and storage structs.
func (vc *VectorClock) Snapshot() map[string]uint64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	out := make(map[string]uint64, len(vc.clocks))
	for k, v := range vc.clocks {
		out[k] = v
	}
	return out
}

// Serialize encodes the clock as JSON.
func (vc *VectorClock) Serialize() ([]byte, error) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return json.Marshal(vc.clocks)
}

// Deserialize replaces the clock's counters from JSON.
func (vc *VectorClock) Deserialize(data []byte) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return json.Unmarshal(data, &vc.clocks)
}

// clockMapConcurrent compares two raw counter maps and reports whether they
// are concurrent. Nil or empty maps are never concurrent with anything.
func clockMapConcurrent(a, b map[string]uint64) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	var less, greater bool
	for client, v1 := range a {
		v2 := b[client]
		if v1 < v2 {
			less = true
		} else if v1 > v2 {
			greater = true
		}
	}
	for client, v2 := range b {
		if _, seen := a[client]; seen {
			continue
		}
		if v2 > 0 {
			less = true
		}
	}
	return less && greater
}
