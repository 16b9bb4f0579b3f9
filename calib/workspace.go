package calib

import (
	"fmt"
	"sort"
	"sync"
)

// Spectrum is one histogram. X holds bin edges (len(Y)+1) except for
// correlation output, where X holds lag centres (len(Y)).
type Spectrum struct {
	ID          int              `json:"id"`
	DetectorIDs []int            `json:"detectorIds"`
	X           []float64        `json:"x"`
	Y           []float64        `json:"y"`
	Calibration CalibrationEntry `json:"calibration"`
}

// Clone returns a deep copy.
func (s Spectrum) Clone() Spectrum {
	return Spectrum{
		ID:          s.ID,
		DetectorIDs: append([]int(nil), s.DetectorIDs...),
		X:           append([]float64(nil), s.X...),
		Y:           append([]float64(nil), s.Y...),
		Calibration: s.Calibration,
	}
}

// Centres returns the bin centres of a histogram spectrum.
func (s Spectrum) Centres() []float64 {
	if len(s.X) != len(s.Y)+1 {
		return append([]float64(nil), s.X...)
	}
	c := make([]float64, len(s.Y))
	for i := range c {
		c[i] = 0.5 * (s.X[i] + s.X[i+1])
	}
	return c
}

// Spectra is an ordered set of spectra sharing a unit.
type Spectra struct {
	Unit    Unit       `json:"unit"`
	Spectra []Spectrum `json:"spectra"`
}

// Clone returns a deep copy.
func (s *Spectra) Clone() *Spectra {
	out := &Spectra{Unit: s.Unit, Spectra: make([]Spectrum, len(s.Spectra))}
	for i, sp := range s.Spectra {
		out.Spectra[i] = sp.Clone()
	}
	return out
}

// IndexOf returns the workspace index of the spectrum carrying the given ID.
func (s *Spectra) IndexOf(id int) (int, bool) {
	for i, sp := range s.Spectra {
		if sp.ID == id {
			return i, true
		}
	}
	return 0, false
}

// DetectorIndex maps every detector ID to the workspace index holding it.
func (s *Spectra) DetectorIndex() map[int]int {
	idx := make(map[int]int)
	for i, sp := range s.Spectra {
		for _, d := range sp.DetectorIDs {
			idx[d] = i
		}
	}
	return idx
}

// PeakFit is the fitted result of one predicted peak.
type PeakFit struct {
	DSpacing float64 `json:"dSpacing" msgpack:"dSpacing"`
	Centre   float64 `json:"centre" msgpack:"centre"` // TOF
	Width    float64 `json:"width" msgpack:"width"`   // TOF sigma
	Height   float64 `json:"height" msgpack:"height"`
	SNR      float64 `json:"snr" msgpack:"snr"`
	ChiSq    float64 `json:"chiSq" msgpack:"chiSq"`
	Accepted bool    `json:"accepted" msgpack:"accepted"`
	Reason   string  `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// GroupFit holds the diagnostics of one group's multi-peak fit.
type GroupFit struct {
	GroupID     int              `json:"groupId" msgpack:"groupId"`
	DetectorIDs []int            `json:"detectorIds" msgpack:"detectorIds"`
	Peaks       []PeakFit        `json:"peaks" msgpack:"peaks"`
	Fitted      CalibrationEntry `json:"fitted" msgpack:"fitted"`
	ChiSq       float64          `json:"chiSq" msgpack:"chiSq"`
	Succeeded   bool             `json:"succeeded" msgpack:"succeeded"`
}

// DetectorSet is a set of detector IDs produced by an operation, such as the
// detectors a fit rejected.
type DetectorSet []int

// Handle identifies a value owned by a Workspaces arena.
type Handle uint64

// Workspaces owns every intermediate value of a calibration run. Handles are
// reserved before the value exists and resolved by the operation queue.
type Workspaces struct {
	mu     sync.RWMutex
	next   Handle
	names  map[Handle]string
	values map[Handle]any
}

// NewWorkspaces creates an empty arena.
func NewWorkspaces() *Workspaces {
	return &Workspaces{
		names:  make(map[Handle]string),
		values: make(map[Handle]any),
	}
}

// Reserve allocates an unresolved handle.
func (w *Workspaces) Reserve(name string) Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	w.names[w.next] = name
	return w.next
}

// Add reserves a handle and resolves it immediately.
func (w *Workspaces) Add(name string, value any) Handle {
	h := w.Reserve(name)
	w.Put(h, value)
	return h
}

// Put resolves a reserved handle.
func (w *Workspaces) Put(h Handle, value any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.names[h]; !ok {
		return
	}
	w.values[h] = value
}

// Exists reports whether a handle is reserved and resolved.
func (w *Workspaces) Exists(h Handle) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.values[h]
	return ok
}

// Reserved reports whether a handle is alive, resolved or not.
func (w *Workspaces) Reserved(h Handle) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.names[h]
	return ok
}

// Name returns the name a handle was reserved with.
func (w *Workspaces) Name(h Handle) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if n, ok := w.names[h]; ok {
		return n
	}
	return fmt.Sprintf("<released #%d>", h)
}

// Release ends the lifetime of the given handles.
func (w *Workspaces) Release(handles ...Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range handles {
		delete(w.names, h)
		delete(w.values, h)
	}
}

// Len returns the number of live handles.
func (w *Workspaces) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.names)
}

// Names lists live handle names, sorted.
func (w *Workspaces) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	names := make([]string, 0, len(w.names))
	for _, n := range w.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (w *Workspaces) get(h Handle) (any, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	name, alive := w.names[h]
	if !alive {
		return nil, fmt.Errorf("handle #%d does not exist", h)
	}
	v, ok := w.values[h]
	if !ok {
		return nil, fmt.Errorf("handle %q has not been resolved", name)
	}
	return v, nil
}

func lookup[T any](w *Workspaces, h Handle, kind string) (T, error) {
	var zero T
	v, err := w.get(h)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("handle %q holds %T, not %s", w.Name(h), v, kind)
	}
	return typed, nil
}

// Spectra returns the spectra behind a handle.
func (w *Workspaces) Spectra(h Handle) (*Spectra, error) {
	return lookup[*Spectra](w, h, "spectra")
}

// Table returns the calibration table behind a handle.
func (w *Workspaces) Table(h Handle) (*CalibrationTable, error) {
	return lookup[*CalibrationTable](w, h, "calibration table")
}

// Offsets returns the offset map behind a handle.
func (w *Workspaces) Offsets(h Handle) (OffsetMap, error) {
	return lookup[OffsetMap](w, h, "offset map")
}

// DetectorSet returns the detector set behind a handle.
func (w *Workspaces) DetectorSet(h Handle) (DetectorSet, error) {
	return lookup[DetectorSet](w, h, "detector set")
}

// GroupFit returns the fit diagnostics behind a handle.
func (w *Workspaces) GroupFit(h Handle) (*GroupFit, error) {
	return lookup[*GroupFit](w, h, "group fit")
}
