package calib

import (
	"context"
	"fmt"
	"math"
)

// maxBins bounds the size of any generated binning.
const maxBins = 5_000_000

// NativeEngine implements Engine with in-process histogram numerics.
type NativeEngine struct{}

// NewNativeEngine returns the in-process engine.
func NewNativeEngine() *NativeEngine {
	return &NativeEngine{}
}

var _ Engine = (*NativeEngine)(nil)

// CreateCalibration derives nominal DIFC values from the instrument geometry.
func (e *NativeEngine) CreateCalibration(_ context.Context, args CreateCalibrationArgs) (*CalibrationTable, error) {
	inst := args.Instrument
	if !(inst.L1 > 0) {
		return nil, fmt.Errorf("instrument L1 must be positive, got %g", inst.L1)
	}
	t := NewCalibrationTable()
	for _, det := range inst.Detectors {
		if t.Has(det.ID) {
			return nil, fmt.Errorf("duplicate detector %d in instrument", det.ID)
		}
		if err := t.Set(det.ID, CalibrationEntry{DIFC: inst.NominalDIFC(det)}); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ApplyCalibration attaches the mean table entry of each spectrum's detectors.
func (e *NativeEngine) ApplyCalibration(_ context.Context, args ApplyCalibrationArgs) (*Spectra, error) {
	out := args.Input.Clone()
	for i := range out.Spectra {
		sp := &out.Spectra[i]
		cal, err := args.Table.Mean(sp.DetectorIDs)
		if err != nil {
			return nil, fmt.Errorf("spectrum %d: %w", sp.ID, err)
		}
		sp.Calibration = cal
	}
	return out, nil
}

// ConvertUnits maps bin edges between time-of-flight and d-spacing.
func (e *NativeEngine) ConvertUnits(_ context.Context, args ConvertUnitsArgs) (*Spectra, error) {
	in := args.Input
	out := in.Clone()
	if in.Unit == args.Target {
		return out, nil
	}

	var convert func(CalibrationEntry, float64) float64
	switch {
	case in.Unit == UnitTOF && args.Target == UnitDSpacing:
		convert = func(c CalibrationEntry, x float64) float64 { return c.DSpacing(x) }
	case in.Unit == UnitDSpacing && args.Target == UnitTOF:
		convert = func(c CalibrationEntry, x float64) float64 { return c.TOF(x) }
	default:
		return nil, fmt.Errorf("cannot convert %s to %s", in.Unit, args.Target)
	}

	for i := range out.Spectra {
		sp := &out.Spectra[i]
		if !(sp.Calibration.DIFC > 0) {
			return nil, fmt.Errorf("spectrum %d has no calibration applied", sp.ID)
		}
		for j, x := range sp.X {
			sp.X[j] = convert(sp.Calibration, x)
		}
		if err := checkEdges(sp.X); err != nil {
			return nil, fmt.Errorf("spectrum %d after conversion to %s: %w", sp.ID, args.Target, err)
		}
	}
	out.Unit = args.Target
	return out, nil
}

// RebinRagged rebins each spectrum onto a logarithmic grid.
func (e *NativeEngine) RebinRagged(_ context.Context, args RebinRaggedArgs) (*Spectra, error) {
	in := args.Input
	if len(args.Params) != 1 && len(args.Params) != len(in.Spectra) {
		return nil, fmt.Errorf("got %d rebin parameter sets for %d spectra", len(args.Params), len(in.Spectra))
	}
	out := &Spectra{Unit: in.Unit, Spectra: make([]Spectrum, len(in.Spectra))}
	var shared []float64
	for i, sp := range in.Spectra {
		var edges []float64
		if len(args.Params) == 1 {
			if shared == nil {
				var err error
				if shared, err = LogEdges(args.Params[0]); err != nil {
					return nil, err
				}
			}
			edges = shared
		} else {
			var err error
			if edges, err = LogEdges(args.Params[i]); err != nil {
				return nil, fmt.Errorf("spectrum %d: %w", sp.ID, err)
			}
		}
		y, err := rebinCounts(sp.X, sp.Y, edges)
		if err != nil {
			return nil, fmt.Errorf("spectrum %d: %w", sp.ID, err)
		}
		out.Spectra[i] = Spectrum{
			ID:          sp.ID,
			DetectorIDs: append([]int(nil), sp.DetectorIDs...),
			X:           append([]float64(nil), edges...),
			Y:           y,
			Calibration: sp.Calibration,
		}
	}
	return out, nil
}

// CrossCorrelate computes the normalised correlation of each selected
// spectrum against the reference spectrum, for lags bounded by MaxDSpaceShift.
// Output X holds integer lags: a positive lag means the spectrum sits at
// larger x than the reference.
func (e *NativeEngine) CrossCorrelate(_ context.Context, args CrossCorrelateArgs) (*Spectra, error) {
	in := args.Input
	if args.ReferenceIndex < 0 || args.ReferenceIndex >= len(in.Spectra) {
		return nil, fmt.Errorf("reference index %d out of range", args.ReferenceIndex)
	}
	ref := in.Spectra[args.ReferenceIndex]
	if len(ref.X) < 3 || len(ref.X) != len(ref.Y)+1 {
		return nil, fmt.Errorf("reference spectrum %d is not a histogram", ref.ID)
	}
	delta := ref.X[1]/ref.X[0] - 1
	if !(delta > 0) {
		return nil, fmt.Errorf("reference spectrum %d is not logarithmically binned", ref.ID)
	}

	centres := ref.Centres()
	lo, hi := -1, -1
	for i, c := range centres {
		if c >= args.XMin && c <= args.XMax {
			if lo < 0 {
				lo = i
			}
			hi = i
		}
	}
	if lo < 0 || hi-lo < 2 {
		return nil, fmt.Errorf("range [%g, %g] covers fewer than 3 bins", args.XMin, args.XMax)
	}
	n := hi - lo + 1

	dMid := 0.5 * (centres[lo] + centres[hi])
	maxLag := int(math.Ceil(args.MaxDSpaceShift / (dMid * delta)))
	if maxLag < 1 {
		maxLag = 1
	}
	if maxLag > n/2 {
		maxLag = n / 2
	}

	refWin := ref.Y[lo : hi+1]
	out := &Spectra{Unit: UnitBinOffset, Spectra: make([]Spectrum, 0, len(args.Indices))}
	for _, idx := range args.Indices {
		if idx < 0 || idx >= len(in.Spectra) {
			return nil, fmt.Errorf("spectrum index %d out of range", idx)
		}
		sp := in.Spectra[idx]
		if len(sp.Y) != len(ref.Y) {
			return nil, fmt.Errorf("spectrum %d binning differs from reference %d", sp.ID, ref.ID)
		}
		lags, values := correlate(refWin, sp.Y[lo:hi+1], maxLag)
		out.Spectra = append(out.Spectra, Spectrum{
			ID:          sp.ID,
			DetectorIDs: append([]int(nil), sp.DetectorIDs...),
			X:           lags,
			Y:           values,
			Calibration: sp.Calibration,
		})
	}
	return out, nil
}

// correlate returns lags -maxLag..maxLag and the normalised correlation of s
// shifted against r. Zero-variance input yields an all-zero correlation.
func correlate(r, s []float64, maxLag int) ([]float64, []float64) {
	n := len(r)
	lags := make([]float64, 0, 2*maxLag+1)
	values := make([]float64, 0, 2*maxLag+1)

	rMean, sMean := mean(r), mean(s)
	var rVar, sVar float64
	for i := 0; i < n; i++ {
		rVar += (r[i] - rMean) * (r[i] - rMean)
		sVar += (s[i] - sMean) * (s[i] - sMean)
	}
	norm := math.Sqrt(rVar * sVar)

	for k := -maxLag; k <= maxLag; k++ {
		sum := 0.0
		if norm > 0 {
			for i := 0; i < n; i++ {
				j := i + k
				if j < 0 || j >= n {
					continue
				}
				sum += (r[i] - rMean) * (s[j] - sMean)
			}
			sum /= norm
		}
		lags = append(lags, float64(k))
		values = append(values, sum)
	}
	return lags, values
}

// GetDetectorOffsets locates each correlation maximum with parabolic sub-bin
// refinement. offset = -lag, so a spectrum sitting at larger d than the
// reference gets a negative offset and a larger DIFC.
func (e *NativeEngine) GetDetectorOffsets(_ context.Context, args GetDetectorOffsetsArgs) (OffsetMap, DetectorSet, error) {
	offsets := make(OffsetMap)
	var failed DetectorSet
	for _, sp := range args.Correlations.Spectra {
		offset, ok := correlationOffset(sp.X, sp.Y)
		if ok && args.MaxOffset > 0 && math.Abs(offset) > args.MaxOffset {
			ok = false
		}
		for _, det := range sp.DetectorIDs {
			if ok {
				offsets[det] = offset
			} else {
				failed = append(failed, det)
			}
		}
	}
	return offsets, failed, nil
}

func correlationOffset(lags, values []float64) (float64, bool) {
	if len(values) < 3 || len(lags) != len(values) {
		return 0, false
	}
	m := 0
	for i, v := range values {
		if v > values[m] {
			m = i
		}
	}
	if !(values[m] > 0) || m == 0 || m == len(values)-1 {
		return 0, false
	}
	a, b, c := values[m-1], values[m], values[m+1]
	p := 0.0
	if denom := a - 2*b + c; denom < 0 {
		p = 0.5 * (a - c) / denom
	}
	lag := lags[m] + p*(lags[m+1]-lags[m])
	return -lag, true
}

// ConvertDiffCal folds offsets into the previous table.
func (e *NativeEngine) ConvertDiffCal(_ context.Context, args ConvertDiffCalArgs) (*CalibrationTable, error) {
	return args.Previous.ApplyOffsets(args.Offsets, args.BinWidth)
}

// FocusSpectra rebins every unmasked member onto the group's d grid and sums.
func (e *NativeEngine) FocusSpectra(_ context.Context, args FocusSpectraArgs) (*Spectra, error) {
	in := args.Input
	if in.Unit != UnitDSpacing {
		return nil, fmt.Errorf("focusing requires d-spacing input, got %s", in.Unit)
	}
	masked := make(map[int]bool, len(args.Mask))
	for _, id := range args.Mask {
		masked[id] = true
	}
	index := in.DetectorIndex()

	out := &Spectra{Unit: UnitDSpacing, Spectra: make([]Spectrum, 0, len(args.Groups))}
	for _, g := range args.Groups {
		edges, err := LogEdges(RebinParams{XMin: g.DMin, XMax: g.DMax, Delta: g.DBin})
		if err != nil {
			return nil, fmt.Errorf("group %d: %w", g.GroupID, err)
		}
		sum := make([]float64, len(edges)-1)
		var cal CalibrationEntry
		contributing := 0
		used := make(map[int]bool)
		for _, det := range g.DetectorIDs {
			if masked[det] {
				continue
			}
			i, ok := index[det]
			if !ok {
				return nil, fmt.Errorf("group %d: detector %d has no spectrum", g.GroupID, det)
			}
			if used[i] {
				continue
			}
			used[i] = true
			sp := in.Spectra[i]
			y, err := rebinCounts(sp.X, sp.Y, edges)
			if err != nil {
				return nil, fmt.Errorf("group %d, spectrum %d: %w", g.GroupID, sp.ID, err)
			}
			for k := range sum {
				sum[k] += y[k]
			}
			cal.DIFC += sp.Calibration.DIFC
			cal.DIFA += sp.Calibration.DIFA
			cal.TZERO += sp.Calibration.TZERO
			contributing++
		}
		if contributing > 0 {
			n := float64(contributing)
			cal = CalibrationEntry{DIFC: cal.DIFC / n, DIFA: cal.DIFA / n, TZERO: cal.TZERO / n}
		}
		out.Spectra = append(out.Spectra, Spectrum{
			ID:          g.GroupID,
			DetectorIDs: g.SortedDetectorIDs(),
			X:           edges,
			Y:           sum,
			Calibration: cal,
		})
	}
	return out, nil
}

// FitPeaks fits every predicted peak of one TOF spectrum and derives the
// group's constants from the accepted peak centres.
func (e *NativeEngine) FitPeaks(_ context.Context, args FitPeaksArgs) (*CalibrationTable, *GroupFit, error) {
	in := args.Input
	if in.Unit != UnitTOF {
		return nil, nil, fmt.Errorf("peak fitting requires time-of-flight input, got %s", in.Unit)
	}
	if args.Index < 0 || args.Index >= len(in.Spectra) {
		return nil, nil, fmt.Errorf("spectrum index %d out of range", args.Index)
	}
	sp := in.Spectra[args.Index]
	cal := sp.Calibration
	if !(cal.DIFC > 0) {
		return nil, nil, fmt.Errorf("spectrum %d has no calibration applied", sp.ID)
	}

	centres := sp.Centres()
	fit := &GroupFit{
		GroupID:     args.GroupID,
		DetectorIDs: append([]int(nil), sp.DetectorIDs...),
		Peaks:       make([]PeakFit, 0, len(args.Peaks)),
	}
	for _, pw := range args.Peaks {
		fit.Peaks = append(fit.Peaks, fitPeak(centres, sp.Y, cal, pw, args.Config))
	}

	var ds, ts []float64
	chiSum := 0.0
	for _, pf := range fit.Peaks {
		if pf.Accepted {
			ds = append(ds, pf.DSpacing)
			ts = append(ts, pf.Centre)
			chiSum += pf.ChiSq
		}
	}

	table := NewCalibrationTable()
	if len(ds) == 0 {
		return table, fit, nil
	}
	fitted, ok := fitConstants(ds, ts, cal, args.Config.FitMode)
	if !ok {
		return table, fit, nil
	}
	fit.Fitted = fitted
	fit.ChiSq = chiSum / float64(len(ds))
	fit.Succeeded = true
	for _, det := range sp.DetectorIDs {
		if err := table.Set(det, fitted); err != nil {
			return nil, nil, err
		}
	}
	return table, fit, nil
}

// fitConstants solves t = DIFC*d + DIFA*d^2 + TZERO for DIFC (and TZERO in
// difc+tzero mode with two or more peaks), holding the remaining constants at
// their current values.
func fitConstants(ds, ts []float64, cal CalibrationEntry, mode string) (CalibrationEntry, bool) {
	out := cal
	if mode == FitModeDIFCTZero && len(ds) >= 2 {
		var sd, st, sdd, sdt float64
		for i, d := range ds {
			t := ts[i] - cal.DIFA*d*d
			sd += d
			st += t
			sdd += d * d
			sdt += d * t
		}
		n := float64(len(ds))
		denom := n*sdd - sd*sd
		if denom != 0 {
			out.DIFC = (n*sdt - sd*st) / denom
			out.TZERO = (st - out.DIFC*sd) / n
			return out, out.DIFC > 0
		}
	}
	var num, den float64
	for i, d := range ds {
		num += (ts[i] - cal.TZERO - cal.DIFA*d*d) * d
		den += d * d
	}
	if den == 0 {
		return out, false
	}
	out.DIFC = num / den
	return out, out.DIFC > 0
}

// fitPeak fits one peak window: background from the window edges, iterated
// moment estimates of centre and width, then the amplitude of the configured
// shape by linear least squares.
func fitPeak(x, y []float64, cal CalibrationEntry, pw PeakWindow, cfg GroupConfig) PeakFit {
	pf := PeakFit{DSpacing: pw.Value}
	tMin, tMax := cal.TOF(pw.Minimum), cal.TOF(pw.Maximum)

	var idx []int
	for i, c := range x {
		if c >= tMin && c <= tMax {
			idx = append(idx, i)
		}
	}
	if len(idx) < 7 {
		pf.Reason = "too few bins in window"
		return pf
	}

	nEdge := len(idx) / 10
	if nEdge < 2 {
		nEdge = 2
	}
	var xl, yl, xr, yr float64
	for k := 0; k < nEdge; k++ {
		xl += x[idx[k]]
		yl += y[idx[k]]
		xr += x[idx[len(idx)-1-k]]
		yr += y[idx[len(idx)-1-k]]
	}
	xl, yl, xr, yr = xl/float64(nEdge), yl/float64(nEdge), xr/float64(nEdge), yr/float64(nEdge)
	background := func(t float64) float64 {
		if cfg.Background == BackgroundFlat || xr == xl {
			return 0.5 * (yl + yr)
		}
		return yl + (yr-yl)*(t-xl)/(xr-xl)
	}

	net := make([]float64, len(idx))
	m := 0
	for k, i := range idx {
		net[k] = y[i] - background(x[i])
		if net[k] > net[m] {
			m = k
		}
	}
	if !(net[m] > 0) {
		pf.Reason = "no signal above background"
		return pf
	}
	noise := math.Sqrt(math.Max(background(x[idx[m]]), 1))
	pf.SNR = net[m] / noise
	if pf.SNR < cfg.MinSNR {
		pf.Reason = "below signal-to-noise floor"
		return pf
	}

	centre := x[idx[m]]
	sigma := (tMax - tMin) / 6
	for iter := 0; iter < 5; iter++ {
		var sw, swx, swxx float64
		for k, i := range idx {
			if net[k] <= 0 || math.Abs(x[i]-centre) > 4*sigma {
				continue
			}
			sw += net[k]
			swx += net[k] * x[i]
			swxx += net[k] * x[i] * x[i]
		}
		if sw <= 0 {
			break
		}
		c := swx / sw
		v := swxx/sw - c*c
		if v <= 0 {
			break
		}
		centre, sigma = c, math.Sqrt(v)
	}

	shape := func(t float64) float64 {
		u := t - centre
		if cfg.PeakFunction == PeakLorentzian {
			gamma := sigma * math.Sqrt(2*math.Ln2)
			return gamma * gamma / (u*u + gamma*gamma)
		}
		return math.Exp(-0.5 * u * u / (sigma * sigma))
	}

	var sgy, sgg float64
	for k, i := range idx {
		g := shape(x[i])
		sgy += g * net[k]
		sgg += g * g
	}
	if sgg == 0 {
		pf.Reason = "degenerate peak shape"
		return pf
	}
	amplitude := sgy / sgg

	nParams := 4
	if cfg.Background == BackgroundFlat {
		nParams = 3
	}
	chi := 0.0
	for _, i := range idx {
		model := background(x[i]) + amplitude*shape(x[i])
		r := y[i] - model
		chi += r * r / math.Max(y[i], 1)
	}
	dof := len(idx) - nParams
	if dof < 1 {
		dof = 1
	}

	pf.Centre = centre
	pf.Width = sigma
	pf.Height = amplitude
	pf.ChiSq = chi / float64(dof)
	pf.Accepted = cfg.MaxChiSq <= 0 || pf.ChiSq <= cfg.MaxChiSq
	if !pf.Accepted {
		pf.Reason = "chi-squared above maximum"
	}
	return pf
}

// CombineCalibration composes a group fit into the previous table, scoped to
// the given detectors.
func (e *NativeEngine) CombineCalibration(_ context.Context, args CombineCalibrationArgs) (*CalibrationTable, error) {
	return CombineScoped(args.Previous, args.Fitted, args.Arbitrary, args.Scope)
}

// LogEdges builds logarithmic bin edges from XMin to XMax. The last bin is
// truncated at XMax.
func LogEdges(p RebinParams) ([]float64, error) {
	if !(p.XMin > 0 && p.XMax > p.XMin && p.Delta > 0) {
		return nil, fmt.Errorf("invalid logarithmic binning min=%g max=%g delta=%g", p.XMin, p.XMax, p.Delta)
	}
	n := math.Log(p.XMax/p.XMin) / math.Log1p(p.Delta)
	if n > maxBins {
		return nil, fmt.Errorf("binning min=%g max=%g delta=%g needs %.0f bins", p.XMin, p.XMax, p.Delta, n)
	}
	edges := make([]float64, 0, int(n)+2)
	edges = append(edges, p.XMin)
	for k := 1; ; k++ {
		x := p.XMin * math.Pow(1+p.Delta, float64(k))
		if x >= p.XMax*(1-1e-12) {
			edges = append(edges, p.XMax)
			break
		}
		edges = append(edges, x)
	}
	return edges, nil
}

// rebinCounts redistributes histogram counts onto new edges assuming counts
// are uniform within each input bin.
func rebinCounts(xIn, yIn, xOut []float64) ([]float64, error) {
	if len(xIn) != len(yIn)+1 {
		return nil, fmt.Errorf("histogram has %d edges for %d counts", len(xIn), len(yIn))
	}
	if len(xOut) < 2 {
		return nil, fmt.Errorf("output binning has fewer than 2 edges")
	}
	out := make([]float64, len(xOut)-1)
	i := 0
	for j := range out {
		lo, hi := xOut[j], xOut[j+1]
		for i < len(yIn) && xIn[i+1] <= lo {
			i++
		}
		sum := 0.0
		for k := i; k < len(yIn) && xIn[k] < hi; k++ {
			a := math.Max(lo, xIn[k])
			b := math.Min(hi, xIn[k+1])
			if w := xIn[k+1] - xIn[k]; b > a && w > 0 {
				sum += yIn[k] * (b - a) / w
			}
		}
		out[j] = sum
	}
	return out, nil
}

func checkEdges(x []float64) error {
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("edge %d is not positive and finite (%g)", i, v)
		}
		if i > 0 && v <= x[i-1] {
			return fmt.Errorf("edges are not increasing at %d", i)
		}
	}
	return nil
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}
