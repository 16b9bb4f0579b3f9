package calib

import (
	"sort"
	"sync"
)

// MaskState is the set of detector IDs excluded from calibration statistics.
// It only ever grows: there is no way to remove an ID once merged.
type MaskState struct {
	mu  sync.RWMutex
	ids map[int]struct{}
}

// NewMaskState creates a mask seeded with the given detector IDs.
func NewMaskState(initial ...int) *MaskState {
	m := &MaskState{ids: make(map[int]struct{}, len(initial))}
	m.Merge(initial...)
	return m
}

// Merge unions the given IDs into the mask.
func (m *MaskState) Merge(ids ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.ids[id] = struct{}{}
	}
}

// MergeMask unions another mask into this one.
func (m *MaskState) MergeMask(other *MaskState) {
	if other == nil || other == m {
		return
	}
	m.Merge(other.IDs()...)
}

// Contains reports whether a detector is masked.
func (m *MaskState) Contains(id int) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[id]
	return ok
}

// Len returns the number of masked detectors.
func (m *MaskState) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// IDs returns the masked detector IDs in ascending order.
func (m *MaskState) IDs() []int {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	ids := make([]int, 0, len(m.ids))
	for id := range m.ids {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// Clone returns an independent copy.
func (m *MaskState) Clone() *MaskState {
	return NewMaskState(m.IDs()...)
}

// Subset reports whether every ID of m is also in other.
func (m *MaskState) Subset(other *MaskState) bool {
	for _, id := range m.IDs() {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}
