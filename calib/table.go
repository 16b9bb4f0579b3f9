package calib

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// CalibrationTable maps detector ID to its timing constants. DIFC is kept
// strictly positive by every mutation.
type CalibrationTable struct {
	entries map[int]CalibrationEntry
}

// CalibrationRow is the serialized form of one table entry.
type CalibrationRow struct {
	DetectorID int `json:"detid" msgpack:"detid"`
	CalibrationEntry
}

// NewCalibrationTable creates an empty table.
func NewCalibrationTable() *CalibrationTable {
	return &CalibrationTable{entries: make(map[int]CalibrationEntry)}
}

// NewCalibrationTableFromRows builds a table from serialized rows.
func NewCalibrationTableFromRows(rows []CalibrationRow) (*CalibrationTable, error) {
	t := NewCalibrationTable()
	for _, r := range rows {
		if _, dup := t.entries[r.DetectorID]; dup {
			return nil, fmt.Errorf("duplicate detector %d in calibration rows", r.DetectorID)
		}
		if err := t.Set(r.DetectorID, r.CalibrationEntry); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Set stores the entry for a detector.
func (t *CalibrationTable) Set(detectorID int, e CalibrationEntry) error {
	if detectorID < 0 {
		return fmt.Errorf("detector %d: negative detector ID", detectorID)
	}
	if !(e.DIFC > 0) || math.IsInf(e.DIFC, 0) {
		return fmt.Errorf("detector %d: DIFC must be positive, got %g", detectorID, e.DIFC)
	}
	if math.IsNaN(e.DIFA) || math.IsNaN(e.TZERO) {
		return fmt.Errorf("detector %d: DIFA/TZERO must be finite", detectorID)
	}
	t.entries[detectorID] = e
	return nil
}

// Get returns the entry for a detector.
func (t *CalibrationTable) Get(detectorID int) (CalibrationEntry, bool) {
	e, ok := t.entries[detectorID]
	return e, ok
}

// Has reports whether the table holds the detector.
func (t *CalibrationTable) Has(detectorID int) bool {
	_, ok := t.entries[detectorID]
	return ok
}

// Len returns the number of detectors.
func (t *CalibrationTable) Len() int {
	return len(t.entries)
}

// DetectorIDs returns all detector IDs in ascending order.
func (t *CalibrationTable) DetectorIDs() []int {
	ids := make([]int, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Rows returns the table as sorted rows.
func (t *CalibrationTable) Rows() []CalibrationRow {
	ids := t.DetectorIDs()
	rows := make([]CalibrationRow, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, CalibrationRow{DetectorID: id, CalibrationEntry: t.entries[id]})
	}
	return rows
}

// Clone returns a deep copy.
func (t *CalibrationTable) Clone() *CalibrationTable {
	c := &CalibrationTable{entries: make(map[int]CalibrationEntry, len(t.entries))}
	for id, e := range t.entries {
		c.entries[id] = e
	}
	return c
}

// MarshalJSON writes the table as an array of rows.
func (t *CalibrationTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Rows())
}

// UnmarshalJSON reads an array of rows.
func (t *CalibrationTable) UnmarshalJSON(data []byte) error {
	var rows []CalibrationRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	parsed, err := NewCalibrationTableFromRows(rows)
	if err != nil {
		return err
	}
	t.entries = parsed.entries
	return nil
}

// ApplyOffsets returns a new table with every detector in offsets corrected by
// difc_new = difc_old * (1+binWidth)^(-offset). Detectors absent from offsets
// are copied unchanged.
func (t *CalibrationTable) ApplyOffsets(offsets OffsetMap, binWidth float64) (*CalibrationTable, error) {
	if !(binWidth > 0) {
		return nil, fmt.Errorf("bin width must be positive, got %g", binWidth)
	}
	out := t.Clone()
	for id, offset := range offsets {
		e, ok := t.entries[id]
		if !ok {
			return nil, fmt.Errorf("offset for unknown detector %d", id)
		}
		if math.IsNaN(offset) || math.IsInf(offset, 0) {
			return nil, fmt.Errorf("detector %d: non-finite offset", id)
		}
		e.DIFC *= math.Pow(1+binWidth, -offset)
		if err := out.Set(id, e); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CombineScoped composes a group-level fit into a pixel-level table for the
// given detectors only. fitted holds the fitted constants and arbitrary the
// constants the fitted spectrum was expressed with; both are looked up per
// detector. Detectors missing from fitted are left untouched, as are all
// detectors outside the scope.
func CombineScoped(previous, fitted, arbitrary *CalibrationTable, scope []int) (*CalibrationTable, error) {
	out := previous.Clone()
	for _, id := range scope {
		prev, ok := previous.Get(id)
		if !ok {
			return nil, fmt.Errorf("detector %d missing from previous calibration", id)
		}
		fit, ok := fitted.Get(id)
		if !ok {
			continue
		}
		arb, ok := arbitrary.Get(id)
		if !ok {
			return nil, fmt.Errorf("detector %d missing from arbitrary calibration", id)
		}
		ratio := fit.DIFC / arb.DIFC
		scale := prev.DIFC / arb.DIFC
		combined := CalibrationEntry{
			DIFC:  prev.DIFC * ratio,
			DIFA:  prev.DIFA + (fit.DIFA-arb.DIFA)*scale*scale,
			TZERO: prev.TZERO + (fit.TZERO - arb.TZERO),
		}
		if err := out.Set(id, combined); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Mean averages the entries of the given detectors.
func (t *CalibrationTable) Mean(ids []int) (CalibrationEntry, error) {
	if len(ids) == 0 {
		return CalibrationEntry{}, fmt.Errorf("no detectors to average")
	}
	var sum CalibrationEntry
	for _, id := range ids {
		e, ok := t.entries[id]
		if !ok {
			return CalibrationEntry{}, fmt.Errorf("detector %d missing from calibration", id)
		}
		sum.DIFC += e.DIFC
		sum.DIFA += e.DIFA
		sum.TZERO += e.TZERO
	}
	n := float64(len(ids))
	return CalibrationEntry{DIFC: sum.DIFC / n, DIFA: sum.DIFA / n, TZERO: sum.TZERO / n}, nil
}
