package calib

import (
	"math"
	"math/rand"
)

// SiliconPeaks are d-spacings (Angstrom) of the silicon standard reflections.
var SiliconPeaks = []float64{3.1356, 1.9201, 1.6375, 1.3577, 1.2459, 1.1086, 1.0452, 0.9600}

// SynthOptions controls Synthesize.
type SynthOptions struct {
	Seed              int64
	DetectorsPerGroup int
	DIFCError         float64 // maximum relative DIFC error injected per detector
	Resolution        float64 // peak FWHM as a fraction of d
	Amplitude         float64
	Background        float64
	Noise             bool  // add Gaussian counting noise
	DeadDetectors     []int // detectors with no counts
}

// DefaultSynthOptions returns two groups of eight detectors with small
// injected DIFC errors and one dead detector.
func DefaultSynthOptions() SynthOptions {
	return SynthOptions{
		Seed:              1234,
		DetectorsPerGroup: 8,
		DIFCError:         0.0015,
		Resolution:        0.003,
		Amplitude:         1000,
		Background:        5,
		DeadDetectors:     []int{2},
	}
}

// Synthetic is a generated run input together with the true calibration.
type Synthetic struct {
	Input *RunInput
	Truth *CalibrationTable
}

// synthBank is one detector bank of the synthetic instrument.
type synthBank struct {
	twoTheta float64 // degrees
	l2       float64
}

var synthBanks = []synthBank{
	{twoTheta: 90, l2: 1.0},
	{twoTheta: 150, l2: 1.1},
}

const (
	synthL1       = 15.0
	synthDMin     = 0.85
	synthDMax     = 3.3
	synthLogDelta = 2e-4
)

// Synthesize generates a two-bank silicon measurement whose detectors carry
// random DIFC errors relative to the nominal geometry.
func Synthesize(opts SynthOptions) *Synthetic {
	rng := rand.New(rand.NewSource(opts.Seed))
	if opts.DetectorsPerGroup < 1 {
		opts.DetectorsPerGroup = 1
	}

	dead := make(map[int]bool, len(opts.DeadDetectors))
	for _, id := range opts.DeadDetectors {
		dead[id] = true
	}

	inst := Instrument{Name: "SYNTH", L1: synthL1}
	truth := NewCalibrationTable()
	in := &RunInput{Spectra: Spectra{Unit: UnitTOF}}

	id := 0
	for b, bank := range synthBanks {
		groupID := b + 1
		var members []int
		nominalSum := 0.0
		for k := 0; k < opts.DetectorsPerGroup; k++ {
			spread := float64(k) - float64(opts.DetectorsPerGroup-1)/2
			det := Detector{
				ID:       id,
				L2:       bank.l2,
				TwoTheta: (bank.twoTheta + 0.5*spread) * math.Pi / 180,
			}
			inst.Detectors = append(inst.Detectors, det)
			nominal := inst.NominalDIFC(det)
			nominalSum += nominal

			trueDIFC := nominal * (1 + opts.DIFCError*(2*rng.Float64()-1))
			_ = truth.Set(id, CalibrationEntry{DIFC: trueDIFC})

			in.Spectra.Spectra = append(in.Spectra.Spectra, synthSpectrum(id, trueDIFC, opts, dead[id], rng))
			members = append(members, id)
			id++
		}

		mean := nominalSum / float64(opts.DetectorsPerGroup)
		in.Groups = append(in.Groups, PixelGroup{
			GroupID:     groupID,
			DetectorIDs: members,
			DMin:        synthDMin,
			DMax:        synthDMax,
			DBin:        synthLogDelta,
			TimeOfFlight: TOFParams{
				Minimum:  mean * synthDMin,
				Maximum:  mean * synthDMax,
				BinWidth: synthLogDelta,
			},
		})
		in.PeakLists = append(in.PeakLists, GroupPeakList{GroupID: groupID, Peaks: PredictPeaks(SiliconPeaks, opts.Resolution, synthDMin, synthDMax)})
	}

	in.Instrument = inst
	return &Synthetic{Input: in, Truth: truth}
}

// PredictPeaks builds fit windows of four FWHM either side of each d-spacing
// that lies fully inside [dMin, dMax].
func PredictPeaks(dSpacings []float64, resolution, dMin, dMax float64) []PeakWindow {
	var out []PeakWindow
	for _, d := range dSpacings {
		fwhm := resolution * d
		w := PeakWindow{Value: d, Minimum: d - 4*fwhm, Maximum: d + 4*fwhm, FWHM: fwhm}
		if w.Minimum > dMin && w.Maximum < dMax {
			out = append(out, w)
		}
	}
	return out
}

func synthSpectrum(id int, difc float64, opts SynthOptions, dead bool, rng *rand.Rand) Spectrum {
	tMin := difc * synthDMin * 0.9
	tMax := difc * synthDMax * 1.1
	x, _ := LogEdges(RebinParams{XMin: tMin, XMax: tMax, Delta: synthLogDelta})
	y := make([]float64, len(x)-1)
	sp := Spectrum{ID: id, DetectorIDs: []int{id}, X: x, Y: y}
	if dead {
		return sp
	}

	for i := range y {
		d := 0.5 * (x[i] + x[i+1]) / difc
		v := opts.Background
		for k, dk := range SiliconPeaks {
			sigma := opts.Resolution * dk / (2 * math.Sqrt(2*math.Ln2))
			u := (d - dk) / sigma
			if math.Abs(u) > 8 {
				continue
			}
			// weaker reflections at shorter d
			v += opts.Amplitude * (1 - 0.08*float64(k)) * math.Exp(-0.5*u*u)
		}
		if opts.Noise {
			v += math.Sqrt(v) * rng.NormFloat64()
			if v < 0 {
				v = 0
			}
		}
		y[i] = v
	}
	return sp
}
