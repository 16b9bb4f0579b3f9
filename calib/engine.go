package calib

import "context"

// Operation names, as they appear in queue logs, lock sets and failures.
const (
	OpCalculateDiffCal     = "CalculateDiffCal"
	OpApplyDiffCal         = "ApplyDiffCal"
	OpConvertUnits         = "ConvertUnits"
	OpRebinRagged          = "RebinRagged"
	OpCrossCorrelate       = "CrossCorrelate"
	OpGetDetectorOffsets   = "GetDetectorOffsets"
	OpConvertDiffCal       = "ConvertDiffCal"
	OpDiffractionFocussing = "DiffractionFocussing"
	OpPDCalibration        = "PDCalibration"
	OpCombineDiffCal       = "CombineDiffCal"
	OpSaveDiffCal          = "SaveDiffCal"
)

// CreateCalibrationArgs derives a table from instrument geometry.
type CreateCalibrationArgs struct {
	Instrument Instrument
}

// ApplyCalibrationArgs attaches table constants to every spectrum. A
// spectrum's constants are the mean over its detectors.
type ApplyCalibrationArgs struct {
	Input *Spectra
	Table *CalibrationTable
}

// ConvertUnitsArgs converts the x-axis using each spectrum's constants.
type ConvertUnitsArgs struct {
	Input  *Spectra
	Target Unit
}

// RebinParams is a logarithmic binning: edges x_{k+1} = x_k*(1+Delta).
type RebinParams struct {
	XMin  float64
	XMax  float64
	Delta float64
}

// RebinRaggedArgs rebins each spectrum. Params holds either one entry shared
// by all spectra or one entry per spectrum.
type RebinRaggedArgs struct {
	Input  *Spectra
	Params []RebinParams
}

// CrossCorrelateArgs correlates the spectra at Indices against the spectrum
// at ReferenceIndex within [XMin, XMax], bounded to MaxDSpaceShift.
type CrossCorrelateArgs struct {
	Input          *Spectra
	ReferenceIndex int
	Indices        []int
	XMin           float64
	XMax           float64
	MaxDSpaceShift float64
}

// GetDetectorOffsetsArgs fits one offset per correlation spectrum.
type GetDetectorOffsetsArgs struct {
	Correlations *Spectra
	MaxOffset    float64
}

// ConvertDiffCalArgs folds offsets into a table.
type ConvertDiffCalArgs struct {
	Offsets  OffsetMap
	Previous *CalibrationTable
	BinWidth float64
}

// FocusSpectraArgs sums member spectra per group on the group's d grid.
// Masked detectors do not contribute.
type FocusSpectraArgs struct {
	Input  *Spectra
	Groups []PixelGroup
	Mask   []int
}

// FitPeaksArgs fits predicted peaks in one TOF spectrum.
type FitPeaksArgs struct {
	Input   *Spectra
	Index   int
	GroupID int
	Peaks   []PeakWindow
	Config  GroupConfig
}

// CombineCalibrationArgs composes a group fit into the running table.
type CombineCalibrationArgs struct {
	Previous  *CalibrationTable
	Fitted    *CalibrationTable
	Arbitrary *CalibrationTable
	Scope     []int
}

// Engine is the numerics engine the calibration stages drive through the
// operation queue. Implementations must not retain or mutate their inputs.
type Engine interface {
	CreateCalibration(ctx context.Context, args CreateCalibrationArgs) (*CalibrationTable, error)
	ApplyCalibration(ctx context.Context, args ApplyCalibrationArgs) (*Spectra, error)
	ConvertUnits(ctx context.Context, args ConvertUnitsArgs) (*Spectra, error)
	RebinRagged(ctx context.Context, args RebinRaggedArgs) (*Spectra, error)
	CrossCorrelate(ctx context.Context, args CrossCorrelateArgs) (*Spectra, error)
	// GetDetectorOffsets returns offsets for well-behaved detectors and the
	// detectors whose fit was degenerate or out of bounds.
	GetDetectorOffsets(ctx context.Context, args GetDetectorOffsetsArgs) (OffsetMap, DetectorSet, error)
	ConvertDiffCal(ctx context.Context, args ConvertDiffCalArgs) (*CalibrationTable, error)
	FocusSpectra(ctx context.Context, args FocusSpectraArgs) (*Spectra, error)
	// FitPeaks returns the fitted constants for the group's detectors and the
	// fit diagnostics.
	FitPeaks(ctx context.Context, args FitPeaksArgs) (*CalibrationTable, *GroupFit, error)
	CombineCalibration(ctx context.Context, args CombineCalibrationArgs) (*CalibrationTable, error)
}
