package calib

import (
	"context"
	"fmt"
	"log"
	"sort"
)

// GroupCalibrationInput is everything the group stage consumes.
type GroupCalibrationInput struct {
	RunID      string
	Raw        Handle // time-of-flight spectra, one per detector
	Instrument Instrument
	Groups     []PixelGroup
	PeakLists  []GroupPeakList // ordered like the groups, ascending group ID
	PixelTable Handle          // pixel-refined calibration
	Mask       *MaskState      // extended in place
}

// GroupCalibrationResult is the composed calibration and its diagnostics.
type GroupCalibrationResult struct {
	Table       *CalibrationTable
	TableHandle Handle
	Mask        *MaskState
	Diagnostics []GroupFit

	TOFData Handle // raw data with Table applied
	Focused Handle // focused d-spacing data, one spectrum per group
}

// DetectorDiagnostic is the group fit outcome seen by one detector.
type DetectorDiagnostic struct {
	DetectorID int     `json:"detectorId" msgpack:"detectorId"`
	GroupID    int     `json:"groupId" msgpack:"groupId"`
	ChiSq      float64 `json:"chiSq" msgpack:"chiSq"`
	Succeeded  bool    `json:"succeeded" msgpack:"succeeded"`
	Masked     bool    `json:"masked" msgpack:"masked"`
}

// DetectorDiagnostics expands the per-group fits to one row per detector,
// sorted by detector ID.
func (r *GroupCalibrationResult) DetectorDiagnostics() []DetectorDiagnostic {
	var rows []DetectorDiagnostic
	for _, fit := range r.Diagnostics {
		for _, det := range fit.DetectorIDs {
			rows = append(rows, DetectorDiagnostic{
				DetectorID: det,
				GroupID:    fit.GroupID,
				ChiSq:      fit.ChiSq,
				Succeeded:  fit.Succeeded,
				Masked:     r.Mask.Contains(det),
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].DetectorID < rows[j].DetectorID })
	return rows
}

// GroupCalibration fits the predicted peaks of each focused group and
// composes the result into the pixel-level table.
type GroupCalibration struct {
	queue *Queue
	cfg   GroupConfig
}

// NewGroupCalibration creates the group stage on top of a queue.
func NewGroupCalibration(q *Queue, cfg GroupConfig) *GroupCalibration {
	return &GroupCalibration{queue: q, cfg: cfg}
}

// ValidatePeakLists checks that the peak lists name exactly the grouping's
// group IDs, in ascending order.
func ValidatePeakLists(groups []PixelGroup, peakLists []GroupPeakList) error {
	want := make([]int, len(groups))
	for i, g := range sortedGroups(groups) {
		want[i] = g.GroupID
	}
	got := make([]int, len(peakLists))
	for i, pl := range peakLists {
		got[i] = pl.GroupID
	}
	if len(got) != len(want) {
		return newValidationError("peakLists", fmt.Sprintf("group IDs %v do not match grouping %v", got, want))
	}
	for i := range want {
		if got[i] != want[i] {
			return newValidationError("peakLists", fmt.Sprintf("group IDs %v do not match grouping %v", got, want))
		}
	}
	for _, pl := range peakLists {
		if len(pl.Peaks) == 0 {
			return newValidationError(fmt.Sprintf("peakLists[%d]", pl.GroupID), "no predicted peaks")
		}
		for _, p := range pl.Peaks {
			if !(p.Minimum > 0 && p.Minimum < p.Value && p.Value < p.Maximum) {
				return newValidationError(fmt.Sprintf("peakLists[%d]", pl.GroupID),
					fmt.Sprintf("peak %g has invalid window [%g, %g]", p.Value, p.Minimum, p.Maximum))
			}
		}
	}
	return nil
}

func (c *GroupCalibration) validate(in GroupCalibrationInput) error {
	switch c.cfg.PeakFunction {
	case PeakGaussian, PeakLorentzian:
	default:
		return newValidationError("group.peakFunction", fmt.Sprintf("unknown peak function %q", c.cfg.PeakFunction))
	}
	switch c.cfg.Background {
	case BackgroundLinear, BackgroundFlat:
	default:
		return newValidationError("group.background", fmt.Sprintf("unknown background %q", c.cfg.Background))
	}
	switch c.cfg.FitMode {
	case FitModeDIFC, FitModeDIFCTZero:
	default:
		return newValidationError("group.fitMode", fmt.Sprintf("unknown fit mode %q", c.cfg.FitMode))
	}
	if !(c.cfg.MaxChiSq > 0) {
		return newValidationError("group.maxChiSq", "must be positive")
	}
	if c.cfg.MinSNR < 0 {
		return newValidationError("group.minSNR", "must not be negative")
	}
	if err := validateGroups(in.Groups); err != nil {
		return err
	}
	if err := ValidatePeakLists(in.Groups, in.PeakLists); err != nil {
		return err
	}
	return ValidateGeometry(in.Instrument, in.Groups)
}

// ValidateGeometry checks that every grouped detector has geometry. The
// group stage expresses focused data in the groups' nominal calibration, so
// geometry is needed even when a run starts from a previous table.
func ValidateGeometry(inst Instrument, groups []PixelGroup) error {
	if !(inst.L1 > 0) {
		return newValidationError("instrument", "l1 must be positive")
	}
	for _, g := range groups {
		for _, id := range g.DetectorIDs {
			det, ok := inst.Detector(id)
			if !ok {
				return newValidationError("instrument", fmt.Sprintf("detector %d of group %d has no geometry", id, g.GroupID))
			}
			if !(inst.NominalDIFC(det) > 0) {
				return newValidationError("instrument", fmt.Sprintf("detector %d has degenerate geometry", id))
			}
		}
	}
	return nil
}

// arbitraryTable gives every detector of a group the group's mean nominal
// DIFC. It is the calibration the focused spectra are expressed in.
func arbitraryTable(inst Instrument, groups []PixelGroup) (*CalibrationTable, error) {
	t := NewCalibrationTable()
	for _, g := range groups {
		sum := 0.0
		for _, id := range g.DetectorIDs {
			det, ok := inst.Detector(id)
			if !ok {
				return nil, newValidationError("instrument", fmt.Sprintf("detector %d of group %d has no geometry", id, g.GroupID))
			}
			sum += inst.NominalDIFC(det)
		}
		entry := CalibrationEntry{DIFC: sum / float64(len(g.DetectorIDs))}
		for _, id := range g.DetectorIDs {
			if err := t.Set(id, entry); err != nil {
				return nil, fmt.Errorf("group %d: %w", g.GroupID, err)
			}
		}
	}
	return t, nil
}

// Run validates the input, then fits every group in ascending group-ID order.
// Validation failures are returned before any operation is enqueued.
func (c *GroupCalibration) Run(ctx context.Context, in GroupCalibrationInput) (*GroupCalibrationResult, error) {
	if err := c.validate(in); err != nil {
		return nil, err
	}
	if in.Mask == nil {
		in.Mask = NewMaskState()
	}
	groups := sortedGroups(in.Groups)
	arb, err := arbitraryTable(in.Instrument, groups)
	if err != nil {
		return nil, err
	}

	q := c.queue
	ws := q.Workspaces()
	name := func(format string, args ...any) string {
		return in.RunID + "_" + fmt.Sprintf(format, args...)
	}

	arbH := ws.Add(name("group_difc_arbitrary"), arb)
	var temps []Handle
	defer func() { ws.Release(append(temps, arbH)...) }()

	// Focus with the pixel calibration, then express each group in TOF through
	// the arbitrary calibration on its own binning.
	tof := q.ApplyCalibration("Applying pixel calibration", name("group_tof_pixel"), in.Raw, in.PixelTable)
	dsp := q.ConvertUnits("Converting to d-spacing", name("group_dsp_pixel"), tof, UnitDSpacing)
	focused := q.FocusSpectra("Focusing groups", name("group_dsp_focused"), dsp, groups, in.Mask)
	focusedArb := q.ApplyCalibration("Applying arbitrary calibration", name("group_focused_arb"), focused, arbH)
	focusedTOF := q.ConvertUnits("Converting focused data to TOF", name("group_tof_focused_raw"), focusedArb, UnitTOF)
	params := make([]RebinParams, len(groups))
	for i, g := range groups {
		params[i] = RebinParams{XMin: g.TimeOfFlight.Minimum, XMax: g.TimeOfFlight.Maximum, Delta: g.TimeOfFlight.BinWidth}
	}
	fitInput := q.RebinRagged("Rebinning focused groups", name("group_tof_focused"), focusedTOF, params)
	temps = append(temps, tof, dsp, focused, focusedArb, focusedTOF, fitInput)

	running := in.PixelTable
	diagnostics := make([]Handle, len(groups))
	for i, g := range groups {
		fitted, diag := q.FitPeaks(
			fmt.Sprintf("Fitting %d peak(s) of group %d", len(in.PeakLists[i].Peaks), g.GroupID),
			name("group_difc_fit_%d", g.GroupID),
			FitPeaksRequest{
				Input:   fitInput,
				Index:   i,
				GroupID: g.GroupID,
				Peaks:   in.PeakLists[i].Peaks,
				Config:  c.cfg,
			})
		combined := q.CombineCalibration(
			fmt.Sprintf("Combining group %d into calibration", g.GroupID),
			name("group_difc_%d", g.GroupID),
			running, fitted, arbH, g.DetectorIDs)
		if running != in.PixelTable {
			temps = append(temps, running)
		}
		temps = append(temps, fitted, diag)
		diagnostics[i] = diag
		running = combined
	}
	if err := q.Execute(ctx); err != nil {
		return nil, err
	}

	res := &GroupCalibrationResult{Mask: in.Mask, TableHandle: running}
	for _, h := range diagnostics {
		fit, err := ws.GroupFit(h)
		if err != nil {
			ws.Release(running)
			return nil, err
		}
		res.Diagnostics = append(res.Diagnostics, *fit)
		if !fit.Succeeded || fit.ChiSq > c.cfg.MaxChiSq {
			log.Printf("[GROUP-CAL] WARNING: group %d fit rejected (succeeded=%t, chi2=%.3g, max %.3g); masking %d detector(s)",
				fit.GroupID, fit.Succeeded, fit.ChiSq, c.cfg.MaxChiSq, len(fit.DetectorIDs))
			in.Mask.Merge(fit.DetectorIDs...)
			continue
		}
		accepted := 0
		for _, pf := range fit.Peaks {
			if pf.Accepted {
				accepted++
			}
		}
		log.Printf("[GROUP-CAL] Group %d: DIFC %.3f from %d/%d peak(s), chi2 %.3g",
			fit.GroupID, fit.Fitted.DIFC, accepted, len(fit.Peaks), fit.ChiSq)
	}

	res.TOFData = q.ApplyCalibration("Applying final calibration", name("group_tof_final"), in.Raw, running)
	final := q.ConvertUnits("Converting to d-spacing", name("group_dsp_final_raw"), res.TOFData, UnitDSpacing)
	res.Focused = q.FocusSpectra("Focusing with final calibration", name("group_dsp_final"), final, groups, in.Mask)
	if err := q.Execute(ctx); err != nil {
		ws.Release(running)
		return nil, err
	}
	temps = append(temps, final)

	table, err := ws.Table(running)
	if err != nil {
		return nil, err
	}
	res.Table = table
	log.Printf("[GROUP-CAL] Finished %d group(s), %d masked detector(s)", len(groups), in.Mask.Len())
	return res, nil
}
