package calib

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fitEngine replaces peak fitting with a per-group stub.
type fitEngine struct {
	*NativeEngine
	fit func(args FitPeaksArgs) (*CalibrationTable, *GroupFit, error)
}

func (e *fitEngine) FitPeaks(_ context.Context, args FitPeaksArgs) (*CalibrationTable, *GroupFit, error) {
	return e.fit(args)
}

type groupFixture struct {
	syn   *Synthetic
	queue *Queue
	raw   Handle
	pixel Handle
}

// newGroupFixture synthesizes a small run and registers its raw data and a
// pixel table derived from the true calibration scaled by pixelScale.
func newGroupFixture(t *testing.T, eng Engine, pixelScale float64) *groupFixture {
	t.Helper()
	opts := DefaultSynthOptions()
	opts.DetectorsPerGroup = 3
	opts.DeadDetectors = nil
	syn := Synthesize(opts)

	pixel := NewCalibrationTable()
	for _, row := range syn.Truth.Rows() {
		require.NoError(t, pixel.Set(row.DetectorID, CalibrationEntry{DIFC: row.DIFC * pixelScale}))
	}

	ws := NewWorkspaces()
	return &groupFixture{
		syn:   syn,
		queue: NewQueue(eng, ws, NewLockRegistry(QueueConfig{})),
		raw:   ws.Add("raw", &syn.Input.Spectra),
		pixel: ws.Add("pixel", pixel),
	}
}

func (f *groupFixture) input() GroupCalibrationInput {
	return GroupCalibrationInput{
		RunID:      "test",
		Raw:        f.raw,
		Instrument: f.syn.Input.Instrument,
		Groups:     f.syn.Input.Groups,
		PeakLists:  f.syn.Input.PeakLists,
		PixelTable: f.pixel,
	}
}

var groupConfig = GroupConfig{
	PeakFunction: PeakGaussian,
	Background:   BackgroundLinear,
	MinSNR:       5,
	MaxChiSq:     100,
	FitMode:      FitModeDIFC,
}

func TestGroupCalibration_RecoversAbsoluteDIFC(t *testing.T) {
	f := newGroupFixture(t, NewNativeEngine(), 1.001)

	res, err := NewGroupCalibration(f.queue, groupConfig).Run(context.Background(), f.input())
	require.NoError(t, err)

	assert.Equal(t, 0, res.Mask.Len())
	require.Len(t, res.Diagnostics, 2)
	for _, fit := range res.Diagnostics {
		assert.True(t, fit.Succeeded, "group %d", fit.GroupID)
		assert.LessOrEqual(t, fit.ChiSq, groupConfig.MaxChiSq)
	}
	assert.Equal(t, 1, res.Diagnostics[0].GroupID)
	assert.Equal(t, 2, res.Diagnostics[1].GroupID)

	for _, row := range f.syn.Truth.Rows() {
		got, ok := res.Table.Get(row.DetectorID)
		require.True(t, ok)
		assert.InDelta(t, 0, got.DIFC/row.DIFC-1, 2e-4, "detector %d", row.DetectorID)
	}

	focused, err := f.queue.Workspaces().Spectra(res.Focused)
	require.NoError(t, err)
	assert.Equal(t, UnitDSpacing, focused.Unit)
	assert.Len(t, focused.Spectra, 2)

	diags := res.DetectorDiagnostics()
	assert.Len(t, diags, 6)
	assert.Equal(t, 0, diags[0].DetectorID)
}

func TestGroupCalibration_ComposesScopedToGroup(t *testing.T) {
	eng := &fitEngine{NativeEngine: NewNativeEngine()}
	eng.fit = func(args FitPeaksArgs) (*CalibrationTable, *GroupFit, error) {
		sp := args.Input.Spectra[args.Index]
		fit := &GroupFit{GroupID: args.GroupID, DetectorIDs: sp.DetectorIDs}
		table := NewCalibrationTable()
		if args.GroupID == 2 {
			return table, fit, nil
		}
		fit.Fitted = CalibrationEntry{DIFC: sp.Calibration.DIFC * 1.01}
		fit.ChiSq = 1
		fit.Succeeded = true
		for _, det := range sp.DetectorIDs {
			if err := table.Set(det, fit.Fitted); err != nil {
				return nil, nil, err
			}
		}
		return table, fit, nil
	}
	f := newGroupFixture(t, eng, 1)
	wsBefore := f.queue.Workspaces().Len()

	res, err := NewGroupCalibration(f.queue, groupConfig).Run(context.Background(), f.input())
	require.NoError(t, err)

	pixel, err := f.queue.Workspaces().Table(f.pixel)
	require.NoError(t, err)
	for _, g := range f.syn.Input.Groups {
		for _, det := range g.DetectorIDs {
			want, _ := pixel.Get(det)
			got, _ := res.Table.Get(det)
			if g.GroupID == 1 {
				assert.InDelta(t, want.DIFC*1.01, got.DIFC, 1e-6, "detector %d", det)
			} else {
				assert.Equal(t, want, got, "detector %d of the failed group changed", det)
			}
		}
	}

	assert.Equal(t, f.syn.Input.Groups[1].DetectorIDs, res.Mask.IDs())
	for _, d := range res.DetectorDiagnostics() {
		assert.Equal(t, d.GroupID == 2, d.Masked, "detector %d", d.DetectorID)
	}

	// the pixel table is left as it was
	p, _ := pixel.Get(0)
	truth, _ := f.syn.Truth.Get(0)
	assert.Equal(t, truth.DIFC, p.DIFC)

	// only the final table, its TOF data and the focused data are added
	assert.Equal(t, wsBefore+3, f.queue.Workspaces().Len(), "live handles: %v", f.queue.Workspaces().Names())
}

func TestGroupCalibration_HighChiSqMasksGroup(t *testing.T) {
	eng := &fitEngine{NativeEngine: NewNativeEngine()}
	eng.fit = func(args FitPeaksArgs) (*CalibrationTable, *GroupFit, error) {
		sp := args.Input.Spectra[args.Index]
		fit := &GroupFit{GroupID: args.GroupID, DetectorIDs: sp.DetectorIDs, Fitted: sp.Calibration, Succeeded: true, ChiSq: 1}
		if args.GroupID == 1 {
			fit.ChiSq = 1e4
		}
		table := NewCalibrationTable()
		for _, det := range sp.DetectorIDs {
			_ = table.Set(det, sp.Calibration)
		}
		return table, fit, nil
	}
	f := newGroupFixture(t, eng, 1)
	in := f.input()
	in.Mask = NewMaskState(5)

	res, err := NewGroupCalibration(f.queue, groupConfig).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 5}, res.Mask.IDs())
	assert.Same(t, in.Mask, res.Mask)
}

func TestGroupCalibration_ValidatesBeforeEnqueue(t *testing.T) {
	f := newGroupFixture(t, NewNativeEngine(), 1)
	ws := f.queue.Workspaces()
	before := ws.Len()
	var ve *ValidationError

	in := f.input()
	in.PeakLists = []GroupPeakList{in.PeakLists[1], in.PeakLists[0]}
	_, err := NewGroupCalibration(f.queue, groupConfig).Run(context.Background(), in)
	require.True(t, errors.As(err, &ve), "reordered peak lists: %v", err)
	assert.Equal(t, "peakLists", ve.Field)

	in = f.input()
	in.PeakLists = in.PeakLists[:1]
	_, err = NewGroupCalibration(f.queue, groupConfig).Run(context.Background(), in)
	assert.True(t, errors.As(err, &ve), "missing peak list: %v", err)

	cfg := groupConfig
	cfg.PeakFunction = "voigt"
	_, err = NewGroupCalibration(f.queue, cfg).Run(context.Background(), f.input())
	assert.True(t, errors.As(err, &ve), "peak function: %v", err)

	cfg = groupConfig
	cfg.MaxChiSq = 0
	_, err = NewGroupCalibration(f.queue, cfg).Run(context.Background(), f.input())
	assert.True(t, errors.As(err, &ve), "max chi2: %v", err)

	in = f.input()
	in.Instrument.Detectors = in.Instrument.Detectors[:2]
	_, err = NewGroupCalibration(f.queue, groupConfig).Run(context.Background(), in)
	require.True(t, errors.As(err, &ve), "missing geometry: %v", err)
	assert.Equal(t, "instrument", ve.Field)

	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, before, ws.Len())
}

func TestGroupCalibration_FitFailureIsFatal(t *testing.T) {
	eng := &fitEngine{NativeEngine: NewNativeEngine()}
	eng.fit = func(FitPeaksArgs) (*CalibrationTable, *GroupFit, error) {
		return nil, nil, errors.New("fit diverged")
	}
	f := newGroupFixture(t, eng, 1)
	before := f.queue.Workspaces().Len()

	_, err := NewGroupCalibration(f.queue, groupConfig).Run(context.Background(), f.input())
	var failure *OperationFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, OpPDCalibration, failure.Operation)
	assert.Equal(t, 1, failure.Args["groupId"])
	assert.Equal(t, before, f.queue.Workspaces().Len())
}

func TestValidatePeakLists_Windows(t *testing.T) {
	groups := []PixelGroup{{GroupID: 4}, {GroupID: 2}}
	ok := []GroupPeakList{
		{GroupID: 2, Peaks: []PeakWindow{{Value: 1, Minimum: 0.9, Maximum: 1.1}}},
		{GroupID: 4, Peaks: []PeakWindow{{Value: 2, Minimum: 1.9, Maximum: 2.1}}},
	}
	assert.NoError(t, ValidatePeakLists(groups, ok))

	bad := []GroupPeakList{ok[0], {GroupID: 4, Peaks: []PeakWindow{{Value: 2, Minimum: 2.1, Maximum: 2.2}}}}
	assert.Error(t, ValidatePeakLists(groups, bad))

	empty := []GroupPeakList{ok[0], {GroupID: 4}}
	assert.Error(t, ValidatePeakLists(groups, empty))
}

func TestArbitraryTable_UsesGroupMean(t *testing.T) {
	inst := Instrument{L1: 10, Detectors: []Detector{
		{ID: 1, L2: 1, TwoTheta: math.Pi / 2},
		{ID: 2, L2: 1, TwoTheta: math.Pi / 3},
	}}
	table, err := arbitraryTable(inst, []PixelGroup{{GroupID: 1, DetectorIDs: []int{1, 2}}})
	require.NoError(t, err)
	want := 0.5 * (inst.NominalDIFC(inst.Detectors[0]) + inst.NominalDIFC(inst.Detectors[1]))
	a, _ := table.Get(1)
	b, _ := table.Get(2)
	assert.InDelta(t, want, a.DIFC, 1e-9)
	assert.Equal(t, a, b)

	_, err = arbitraryTable(inst, []PixelGroup{{GroupID: 1, DetectorIDs: []int{3}}})
	assert.Error(t, err)
}

func TestValidateGeometry(t *testing.T) {
	inst := Instrument{L1: 10, Detectors: []Detector{
		{ID: 1, L2: 1, TwoTheta: math.Pi / 2},
		{ID: 2, L2: 1, TwoTheta: 0},
	}}
	assert.NoError(t, ValidateGeometry(inst, []PixelGroup{{GroupID: 1, DetectorIDs: []int{1}}}))
	assert.Error(t, ValidateGeometry(inst, []PixelGroup{{GroupID: 1, DetectorIDs: []int{1, 3}}}), "missing detector")
	assert.Error(t, ValidateGeometry(inst, []PixelGroup{{GroupID: 1, DetectorIDs: []int{2}}}), "zero scattering angle")
	assert.Error(t, ValidateGeometry(Instrument{Detectors: inst.Detectors}, []PixelGroup{{GroupID: 1, DetectorIDs: []int{1}}}), "no flight path")
}
