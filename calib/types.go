package calib

import (
	"fmt"
	"math"
	"sort"
)

// Unit identifies the x-axis of a set of spectra.
type Unit string

const (
	UnitTOF       Unit = "tof"       // microseconds
	UnitDSpacing  Unit = "dSpacing"  // Angstrom
	UnitBinOffset Unit = "binOffset" // correlation lag, in logarithmic bins
)

// CalibrationEntry holds the timing constants of one detector:
// TOF = DIFC*d + DIFA*d^2 + TZERO.
type CalibrationEntry struct {
	DIFC  float64 `json:"difc" msgpack:"difc"`
	DIFA  float64 `json:"difa" msgpack:"difa"`
	TZERO float64 `json:"tzero" msgpack:"tzero"`
}

// TOF converts a d-spacing to time-of-flight.
func (e CalibrationEntry) TOF(d float64) float64 {
	return e.DIFC*d + e.DIFA*d*d + e.TZERO
}

// DSpacing converts a time-of-flight to d-spacing. With a non-zero DIFA the
// positive root of the quadratic is returned.
func (e CalibrationEntry) DSpacing(tof float64) float64 {
	if e.DIFA == 0 {
		return (tof - e.TZERO) / e.DIFC
	}
	disc := e.DIFC*e.DIFC - 4*e.DIFA*(e.TZERO-tof)
	if disc < 0 {
		return math.NaN()
	}
	return (-e.DIFC + math.Sqrt(disc)) / (2 * e.DIFA)
}

// TOFParams describes the time-of-flight window and logarithmic bin width of a group.
type TOFParams struct {
	Minimum  float64 `json:"minimum" yaml:"minimum"`
	Maximum  float64 `json:"maximum" yaml:"maximum"`
	BinWidth float64 `json:"binWidth" yaml:"binWidth"`
}

// PixelGroup is a fixed collection of detectors focused and calibrated together.
type PixelGroup struct {
	GroupID      int       `json:"groupId"`
	DetectorIDs  []int     `json:"detectorIds"`
	DMin         float64   `json:"dMin"`
	DMax         float64   `json:"dMax"`
	DBin         float64   `json:"dBin"` // logarithmic bin width
	TimeOfFlight TOFParams `json:"timeOfFlight"`
}

// NewPixelGroup validates and builds a PixelGroup. Detector IDs are stored
// numerically sorted and must be unique and non-negative.
func NewPixelGroup(groupID int, detectorIDs []int, dMin, dMax, dBin float64, tof TOFParams) (PixelGroup, error) {
	g := PixelGroup{
		GroupID:      groupID,
		DetectorIDs:  append([]int(nil), detectorIDs...),
		DMin:         dMin,
		DMax:         dMax,
		DBin:         dBin,
		TimeOfFlight: tof,
	}
	sort.Ints(g.DetectorIDs)
	if err := g.Validate(); err != nil {
		return PixelGroup{}, err
	}
	return g, nil
}

// Validate checks the structural invariants of a group.
func (g PixelGroup) Validate() error {
	field := fmt.Sprintf("groups[%d]", g.GroupID)
	if len(g.DetectorIDs) == 0 {
		return newValidationError(field, "group has no detectors")
	}
	seen := make(map[int]struct{}, len(g.DetectorIDs))
	for _, id := range g.DetectorIDs {
		if id < 0 {
			return newValidationError(field, fmt.Sprintf("negative detector ID %d", id))
		}
		if _, dup := seen[id]; dup {
			return newValidationError(field, fmt.Sprintf("duplicate detector ID %d", id))
		}
		seen[id] = struct{}{}
	}
	if !(g.DMin > 0 && g.DMax > g.DMin) {
		return newValidationError(field, fmt.Sprintf("invalid d range [%g, %g]", g.DMin, g.DMax))
	}
	if g.DBin <= 0 {
		return newValidationError(field, "dBin must be positive")
	}
	if !(g.TimeOfFlight.Minimum > 0 && g.TimeOfFlight.Maximum > g.TimeOfFlight.Minimum && g.TimeOfFlight.BinWidth > 0) {
		return newValidationError(field, "invalid timeOfFlight parameters")
	}
	return nil
}

// SortedDetectorIDs returns a numerically sorted copy of the group's detector IDs.
func (g PixelGroup) SortedDetectorIDs() []int {
	ids := append([]int(nil), g.DetectorIDs...)
	sort.Ints(ids)
	return ids
}

// ReferenceDetector selects the detector every other spectrum of the group is
// correlated against: the element at position ceil((n-1)/2) of the numerically
// sorted ID list. The result is always a member of the group.
func ReferenceDetector(detectorIDs []int) (int, error) {
	if len(detectorIDs) == 0 {
		return 0, fmt.Errorf("cannot select a reference detector from an empty group")
	}
	ids := append([]int(nil), detectorIDs...)
	sort.Ints(ids)
	// ceil((n-1)/2) == n/2 for n >= 1
	return ids[len(ids)/2], nil
}

// PeakWindow is a predicted peak in d-spacing with its fit window.
type PeakWindow struct {
	Value   float64 `json:"value"`
	Minimum float64 `json:"minimum"`
	Maximum float64 `json:"maximum"`
	FWHM    float64 `json:"fwhm,omitempty"`
}

// Width returns the peak FWHM, falling back to half the window when unset.
func (p PeakWindow) Width() float64 {
	if p.FWHM > 0 {
		return p.FWHM
	}
	return (p.Maximum - p.Minimum) / 2
}

// GroupPeakList holds the predicted peaks of one group.
type GroupPeakList struct {
	GroupID int          `json:"groupId"`
	Peaks   []PeakWindow `json:"peaks"`
}

// MaxFWHM returns the widest predicted peak of the list.
func (l GroupPeakList) MaxFWHM() float64 {
	maxW := 0.0
	for _, p := range l.Peaks {
		if w := p.Width(); w > maxW {
			maxW = w
		}
	}
	return maxW
}

// OffsetMap maps detector ID to an offset in logarithmic-bin units for one iteration.
type OffsetMap map[int]float64

// ConvergenceRecord is the append-only sequence of per-iteration median absolute offsets.
type ConvergenceRecord []float64

// Last returns the most recent entry, or +Inf when the record is empty.
func (r ConvergenceRecord) Last() float64 {
	if len(r) == 0 {
		return math.Inf(1)
	}
	return r[len(r)-1]
}

// Detector describes the flight path of one detector pixel.
type Detector struct {
	ID       int     `json:"id"`
	L2       float64 `json:"l2"`       // metres
	TwoTheta float64 `json:"twoTheta"` // radians
}

// Instrument is the geometry needed to derive nominal DIFC values.
type Instrument struct {
	Name      string     `json:"name,omitempty"`
	L1        float64    `json:"l1"` // metres
	Detectors []Detector `json:"detectors"`
}

// neutronTOFConstant is m_n/h in microseconds per (Angstrom * metre).
const neutronTOFConstant = 252.816

// NominalDIFC returns the geometric DIFC of a detector.
func (inst Instrument) NominalDIFC(det Detector) float64 {
	return neutronTOFConstant * 2 * math.Sin(det.TwoTheta/2) * (inst.L1 + det.L2)
}

// Detector looks up a detector by ID.
func (inst Instrument) Detector(id int) (Detector, bool) {
	for _, d := range inst.Detectors {
		if d.ID == id {
			return d, true
		}
	}
	return Detector{}, false
}

// PixelConfig controls the pixel-level offset convergence loop.
type PixelConfig struct {
	ConvergenceThreshold float64 `yaml:"convergenceThreshold" json:"convergenceThreshold"` // median |offset|, in bins
	MaxIterations        int     `yaml:"maxIterations" json:"maxIterations"`
	MaxOffset            float64 `yaml:"maxOffset" json:"maxOffset"`                       // in bins
	MaxDSpaceShiftFactor float64 `yaml:"maxDSpaceShiftFactor" json:"maxDSpaceShiftFactor"` // multiple of the widest FWHM
}

// Peak shapes and background models understood by FitPeaks.
const (
	PeakGaussian   = "gaussian"
	PeakLorentzian = "lorentzian"

	BackgroundLinear = "linear"
	BackgroundFlat   = "flat"

	FitModeDIFC      = "difc"
	FitModeDIFCTZero = "difc+tzero"
)

// GroupConfig controls the group-level peak-fit refinement.
type GroupConfig struct {
	PeakFunction string  `yaml:"peakFunction" json:"peakFunction"`
	Background   string  `yaml:"background" json:"background"`
	MinSNR       float64 `yaml:"minSNR" json:"minSNR"`
	MaxChiSq     float64 `yaml:"maxChiSq" json:"maxChiSq"`
	FitMode      string  `yaml:"fitMode" json:"fitMode"`
}

// QueueConfig extends the default lock sets of the operation queue.
type QueueConfig struct {
	LockFile      string   `yaml:"lockFile,omitempty" json:"lockFile,omitempty"`
	NonReentrant  []string `yaml:"nonReentrant,omitempty" json:"nonReentrant,omitempty"`
	NonConcurrent []string `yaml:"nonConcurrent,omitempty" json:"nonConcurrent,omitempty"`
}

// MQTTConfig holds MQTT connection settings for result publishing.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	PayloadFormat string `yaml:"payloadFormat,omitempty" json:"payloadFormat,omitempty"` // json or msgpack
}

// OutputConfig controls where artifacts and plots are written.
type OutputConfig struct {
	Dir        string `yaml:"dir" json:"dir"`
	PlotFormat string `yaml:"plotFormat,omitempty" json:"plotFormat,omitempty"` // svg or png
}

// Config represents the full configuration file.
type Config struct {
	Pixel  PixelConfig  `yaml:"pixel" json:"pixel"`
	Group  GroupConfig  `yaml:"group" json:"group"`
	Queue  QueueConfig  `yaml:"queue" json:"queue"`
	MQTT   MQTTConfig   `yaml:"mqtt" json:"mqtt"`
	Output OutputConfig `yaml:"output" json:"output"`
}
