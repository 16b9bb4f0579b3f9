package calib

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
)

// pixelState is a state of the offset convergence loop.
type pixelState int

const (
	pixelInit pixelState = iota
	pixelComputeOffsets
	pixelApplyCorrection
	pixelCheckConvergence
	pixelTerminated
)

func (s pixelState) String() string {
	switch s {
	case pixelInit:
		return "INIT"
	case pixelComputeOffsets:
		return "COMPUTE_OFFSETS"
	case pixelApplyCorrection:
		return "APPLY_CORRECTION"
	case pixelCheckConvergence:
		return "CHECK_CONVERGENCE"
	case pixelTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("pixelState(%d)", int(s))
}

// PixelCalibrationInput is everything the pixel stage consumes.
type PixelCalibrationInput struct {
	RunID      string
	Raw        Handle // time-of-flight spectra, one per detector
	Instrument Instrument
	Groups     []PixelGroup
	PeakLists  []GroupPeakList
	Previous   *CalibrationTable // nil derives the table from Instrument
	Mask       *MaskState        // extended in place
}

// PixelCalibrationResult is the best table the loop produced.
type PixelCalibrationResult struct {
	Table       *CalibrationTable
	TableHandle Handle
	Mask        *MaskState
	Convergence ConvergenceRecord
	Iterations  int
	Converged   bool
	Warnings    []error

	TOFData Handle // raw data with Table applied
	DData   Handle // d-spacing data on the common logarithmic grid
}

// PixelCalibration runs the per-detector cross-correlation offset loop.
type PixelCalibration struct {
	queue *Queue
	cfg   PixelConfig
}

// NewPixelCalibration creates the pixel stage on top of a queue.
func NewPixelCalibration(q *Queue, cfg PixelConfig) *PixelCalibration {
	return &PixelCalibration{queue: q, cfg: cfg}
}

type correlationJob struct {
	group                     int
	correlations, offs, fails Handle
}

// pixelRun is the mutable state of one loop execution.
type pixelRun struct {
	p   *PixelCalibration
	in  PixelCalibrationInput
	ws  *Workspaces
	res *PixelCalibrationResult

	index    map[int]int // detector ID -> raw spectrum index
	grid     RebinParams
	shifts   map[int]float64
	previous float64

	iteration int
	offsets   OffsetMap

	candidateTable, candidateTOF, candidateD Handle
}

// Run executes the loop to termination. Operation failures and invalid input
// are returned as errors; non-monotonic offsets and the iteration cap end the
// loop with a warning and the last committed result.
func (p *PixelCalibration) Run(ctx context.Context, in PixelCalibrationInput) (*PixelCalibrationResult, error) {
	if err := p.validate(in); err != nil {
		return nil, err
	}
	if in.Mask == nil {
		in.Mask = NewMaskState()
	}

	r := &pixelRun{
		p:        p,
		in:       in,
		ws:       p.queue.Workspaces(),
		res:      &PixelCalibrationResult{Mask: in.Mask},
		previous: math.Inf(1),
	}
	raw, err := r.ws.Spectra(in.Raw)
	if err != nil {
		return nil, fmt.Errorf("reading raw data: %w", err)
	}
	if raw.Unit != UnitTOF {
		return nil, newValidationError("raw", fmt.Sprintf("expected %s data, got %s", UnitTOF, raw.Unit))
	}
	r.index = raw.DetectorIndex()
	for _, g := range in.Groups {
		for _, det := range g.DetectorIDs {
			if _, ok := r.index[det]; !ok {
				return nil, newValidationError(fmt.Sprintf("groups[%d]", g.GroupID), fmt.Sprintf("detector %d has no spectrum", det))
			}
		}
	}

	state := pixelInit
	for state != pixelTerminated {
		var next pixelState
		var err error
		switch state {
		case pixelInit:
			next, err = r.init(ctx)
		case pixelComputeOffsets:
			next, err = r.computeOffsets(ctx)
		case pixelApplyCorrection:
			next, err = r.applyCorrection(ctx)
		case pixelCheckConvergence:
			next, err = r.checkConvergence()
		default:
			err = fmt.Errorf("unexpected state %s", state)
		}
		if err != nil {
			log.Printf("[PIXEL-CAL] ERROR in %s (iteration %d): %v", state, r.iteration, err)
			r.discardCandidates()
			return nil, err
		}
		state = next
	}

	r.res.Iterations = r.iteration
	table, err := r.ws.Table(r.res.TableHandle)
	if err != nil {
		return nil, err
	}
	r.res.Table = table
	log.Printf("[PIXEL-CAL] Finished after %d iteration(s): medians %v, %d masked detector(s)",
		r.iteration, []float64(r.res.Convergence), r.res.Mask.Len())
	return r.res, nil
}

func (p *PixelCalibration) validate(in PixelCalibrationInput) error {
	cfg := p.cfg
	if cfg.MaxIterations < 1 {
		return newValidationError("pixel.maxIterations", "must be at least 1")
	}
	if cfg.ConvergenceThreshold < 0 {
		return newValidationError("pixel.convergenceThreshold", "must not be negative")
	}
	if !(cfg.MaxOffset > 0) {
		return newValidationError("pixel.maxOffset", "must be positive")
	}
	if !(cfg.MaxDSpaceShiftFactor > 0) {
		return newValidationError("pixel.maxDSpaceShiftFactor", "must be positive")
	}
	return validateGroups(in.Groups)
}

// validateGroups checks each group and that no detector is in two groups.
func validateGroups(groups []PixelGroup) error {
	if len(groups) == 0 {
		return newValidationError("groups", "at least one group is required")
	}
	owner := make(map[int]int)
	ids := make(map[int]bool)
	for _, g := range groups {
		if ids[g.GroupID] {
			return newValidationError("groups", fmt.Sprintf("duplicate group ID %d", g.GroupID))
		}
		ids[g.GroupID] = true
		if err := g.Validate(); err != nil {
			return err
		}
		for _, det := range g.DetectorIDs {
			if other, dup := owner[det]; dup {
				return newValidationError("groups", fmt.Sprintf("detector %d is in groups %d and %d", det, other, g.GroupID))
			}
			owner[det] = g.GroupID
		}
	}
	return nil
}

// sortedGroups returns the groups in ascending group-ID order.
func sortedGroups(groups []PixelGroup) []PixelGroup {
	out := append([]PixelGroup(nil), groups...)
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

func (r *pixelRun) name(format string, args ...any) string {
	return r.in.RunID + "_" + fmt.Sprintf(format, args...)
}

// init builds the starting table and the first d-spacing data on the common grid.
func (r *pixelRun) init(ctx context.Context) (pixelState, error) {
	q := r.p.queue
	groups := sortedGroups(r.in.Groups)

	r.grid = RebinParams{XMin: groups[0].DMin, XMax: groups[0].DMax, Delta: groups[0].DBin}
	for _, g := range groups[1:] {
		r.grid.XMin = math.Min(r.grid.XMin, g.DMin)
		r.grid.XMax = math.Max(r.grid.XMax, g.DMax)
		r.grid.Delta = math.Min(r.grid.Delta, g.DBin)
	}

	peaks := make(map[int]GroupPeakList, len(r.in.PeakLists))
	for _, pl := range r.in.PeakLists {
		peaks[pl.GroupID] = pl
	}
	r.shifts = make(map[int]float64, len(groups))
	for _, g := range groups {
		if pl, ok := peaks[g.GroupID]; ok && pl.MaxFWHM() > 0 {
			r.shifts[g.GroupID] = r.p.cfg.MaxDSpaceShiftFactor * pl.MaxFWHM()
		} else {
			// no predicted peaks: bound the shift by the offset limit instead
			r.shifts[g.GroupID] = 0.5 * (g.DMin + g.DMax) * r.grid.Delta * r.p.cfg.MaxOffset
		}
	}

	var table Handle
	if r.in.Previous != nil {
		table = r.ws.Add(r.name("pixel_difc_0"), r.in.Previous.Clone())
		log.Printf("[PIXEL-CAL] Starting from previous calibration (%d detectors)", r.in.Previous.Len())
	} else {
		table = q.CreateCalibration("Creating initial calibration from geometry", r.name("pixel_difc_0"), r.in.Instrument)
	}
	tof := q.ApplyCalibration("Applying initial calibration", r.name("pixel_tof_0"), r.in.Raw, table)
	d := q.ConvertUnits("Converting to d-spacing", r.name("pixel_dsp_raw_0"), tof, UnitDSpacing)
	binned := q.RebinRagged("Rebinning to common logarithmic grid", r.name("pixel_dsp_0"), d, []RebinParams{r.grid})
	if err := q.Execute(ctx); err != nil {
		r.ws.Release(table)
		return 0, err
	}
	r.ws.Release(d)

	r.res.TableHandle, r.res.TOFData, r.res.DData = table, tof, binned
	log.Printf("[PIXEL-CAL] Common grid d=[%g, %g] delta=%g over %d group(s)",
		r.grid.XMin, r.grid.XMax, r.grid.Delta, len(groups))
	return pixelComputeOffsets, nil
}

// computeOffsets correlates every group against the middle unmasked detector
// and combines the per-group offsets. Failing detectors join the mask.
func (r *pixelRun) computeOffsets(ctx context.Context) (pixelState, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.iteration++
	q := r.p.queue

	var jobs []correlationJob
	for _, g := range sortedGroups(r.in.Groups) {
		seen := make(map[int]bool)
		var active, indices []int
		for _, det := range g.SortedDetectorIDs() {
			if r.in.Mask.Contains(det) {
				continue
			}
			active = append(active, det)
			if i := r.index[det]; !seen[i] {
				seen[i] = true
				indices = append(indices, i)
			}
		}
		if len(indices) == 0 {
			log.Printf("[PIXEL-CAL] WARNING: group %d has no unmasked detectors, skipping", g.GroupID)
			continue
		}
		// masked spectra are never a correlation target
		ref, err := ReferenceDetector(active)
		if err != nil {
			return 0, err
		}
		refIndex := r.index[ref]

		corr := q.CrossCorrelate(
			fmt.Sprintf("Cross-correlating group %d against detector %d", g.GroupID, ref),
			r.name("pixel_xcor_%d_%d", g.GroupID, r.iteration),
			CrossCorrelateRequest{
				Input:          r.res.DData,
				ReferenceIndex: refIndex,
				Indices:        indices,
				XMin:           g.DMin,
				XMax:           g.DMax,
				MaxDSpaceShift: r.shifts[g.GroupID],
			})
		offs, fails := q.GetDetectorOffsets(
			fmt.Sprintf("Fitting offsets for group %d", g.GroupID),
			r.name("pixel_offsets_%d_%d", g.GroupID, r.iteration),
			corr, r.p.cfg.MaxOffset)
		jobs = append(jobs, correlationJob{group: g.GroupID, correlations: corr, offs: offs, fails: fails})
	}
	if err := q.Execute(ctx); err != nil {
		return 0, err
	}

	combined := make(OffsetMap)
	for _, job := range jobs {
		offsets, err := r.ws.Offsets(job.offs)
		if err != nil {
			return 0, err
		}
		failed, err := r.ws.DetectorSet(job.fails)
		if err != nil {
			return 0, err
		}
		if len(failed) > 0 {
			log.Printf("[PIXEL-CAL] Group %d: masking %d detector(s) with degenerate or out-of-bounds offsets", job.group, len(failed))
			r.in.Mask.Merge(failed...)
		}
		for det, off := range offsets {
			if !r.in.Mask.Contains(det) {
				combined[det] = off
			}
		}
		r.ws.Release(job.correlations, job.offs, job.fails)
	}
	r.offsets = combined
	return pixelApplyCorrection, nil
}

// applyCorrection folds the offsets into a candidate table and re-derives
// the working data from the raw spectra with it.
func (r *pixelRun) applyCorrection(ctx context.Context) (pixelState, error) {
	q := r.p.queue
	offsets := r.ws.Add(r.name("pixel_offsets_%d", r.iteration), r.offsets)
	defer r.ws.Release(offsets)

	r.candidateTable = q.ConvertDiffCal("Folding offsets into calibration", r.name("pixel_difc_%d", r.iteration),
		offsets, r.res.TableHandle, r.grid.Delta)
	r.candidateTOF = q.ApplyCalibration("Applying corrected calibration", r.name("pixel_tof_%d", r.iteration),
		r.in.Raw, r.candidateTable)
	d := q.ConvertUnits("Converting to d-spacing", r.name("pixel_dsp_raw_%d", r.iteration), r.candidateTOF, UnitDSpacing)
	r.candidateD = q.RebinRagged("Rebinning to common logarithmic grid", r.name("pixel_dsp_%d", r.iteration),
		d, []RebinParams{r.grid})
	if err := q.Execute(ctx); err != nil {
		return 0, err
	}
	r.ws.Release(d)
	return pixelCheckConvergence, nil
}

// checkConvergence records the iteration's median offset and decides whether
// to loop. A median that fails to improve is not recorded and its candidate
// is discarded.
func (r *pixelRun) checkConvergence() (pixelState, error) {
	values := make([]float64, 0, len(r.offsets))
	for det, off := range r.offsets {
		if !r.in.Mask.Contains(det) {
			values = append(values, math.Abs(off))
		}
	}
	if len(values) == 0 {
		log.Printf("[PIXEL-CAL] WARNING: iteration %d produced no unmasked offsets", r.iteration)
	}
	median := Median(values)
	log.Printf("[PIXEL-CAL] Iteration %d: median |offset| = %.4f bins over %d detector(s)", r.iteration, median, len(values))

	if !(median < r.previous) {
		w := &ConvergenceWarning{Iteration: r.iteration, Previous: r.previous, Current: median}
		log.Printf("[PIXEL-CAL] WARNING: %v", w)
		r.res.Warnings = append(r.res.Warnings, w)
		r.discardCandidates()
		return pixelTerminated, nil
	}

	r.commit()
	r.res.Convergence = append(r.res.Convergence, median)
	r.previous = median

	if median <= r.p.cfg.ConvergenceThreshold {
		r.res.Converged = true
		log.Printf("[PIXEL-CAL] Converged at iteration %d (threshold %g)", r.iteration, r.p.cfg.ConvergenceThreshold)
		return pixelTerminated, nil
	}
	if r.iteration >= r.p.cfg.MaxIterations {
		w := &IterationCapWarning{MaxIterations: r.p.cfg.MaxIterations, LastMedian: median, Threshold: r.p.cfg.ConvergenceThreshold}
		log.Printf("[PIXEL-CAL] WARNING: %v", w)
		r.res.Warnings = append(r.res.Warnings, w)
		return pixelTerminated, nil
	}
	return pixelComputeOffsets, nil
}

// commit replaces the current table and data with the candidates.
func (r *pixelRun) commit() {
	r.ws.Release(r.res.TableHandle, r.res.TOFData, r.res.DData)
	r.res.TableHandle, r.res.TOFData, r.res.DData = r.candidateTable, r.candidateTOF, r.candidateD
	r.candidateTable, r.candidateTOF, r.candidateD = 0, 0, 0
}

func (r *pixelRun) discardCandidates() {
	r.ws.Release(r.candidateTable, r.candidateTOF, r.candidateD)
	r.candidateTable, r.candidateTOF, r.candidateD = 0, 0, 0
}

// Median returns the median of values, averaging the middle pair for even
// counts. An empty slice has median 0.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	v := append([]float64(nil), values...)
	sort.Float64s(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return 0.5 * (v[n/2-1] + v[n/2])
}
