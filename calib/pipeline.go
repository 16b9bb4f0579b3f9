package calib

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Input is one calibration run.
type Input struct {
	RunID      string // generated when empty
	Instrument Instrument
	Raw        *Spectra // time-of-flight spectra
	Groups     []PixelGroup
	PeakLists  []GroupPeakList
	Previous   *CalibrationTable
	Mask       *MaskState // initial mask; never cleared

	// SavePath, when set, persists the result through the queue.
	SavePath string
}

// Result is the outcome of a calibration run.
type Result struct {
	RunID       string
	Table       *CalibrationTable
	PixelTable  *CalibrationTable
	Mask        *MaskState
	Convergence ConvergenceRecord
	Converged   bool
	Iterations  int
	Diagnostics []GroupFit
	Detectors   []DetectorDiagnostic
	Warnings    []error

	// Workspaces owns the data handles below.
	Workspaces *Workspaces
	TOFData    Handle
	Focused    Handle

	Started  time.Time
	Duration time.Duration
}

// Record converts the result into a persistable artifact.
func (r *Result) Record(instrument string) *CalibrationRecord {
	rec := &CalibrationRecord{
		RunID:       r.RunID,
		Instrument:  instrument,
		CreatedAt:   r.Started.Add(r.Duration).Unix(),
		Calibration: r.Table.Rows(),
		Mask:        r.Mask.IDs(),
		Convergence: append(ConvergenceRecord(nil), r.Convergence...),
		Iterations:  r.Iterations,
		Converged:   r.Converged,
		Diagnostics: r.Detectors,
		GroupFits:   r.Diagnostics,
	}
	for _, w := range r.Warnings {
		rec.Warnings = append(rec.Warnings, w.Error())
	}
	return rec
}

// Calibrator runs the pixel stage followed by the group stage.
type Calibrator struct {
	engine Engine
	config Config
	locks  *LockRegistry
}

// NewCalibrator creates a calibrator. A nil registry selects the
// process-wide default.
func NewCalibrator(engine Engine, config Config, locks *LockRegistry) *Calibrator {
	return &Calibrator{engine: engine, config: config, locks: locks}
}

// Run executes a full calibration. Validation errors and operation failures
// are returned as errors; convergence problems are reported in
// Result.Warnings.
func (c *Calibrator) Run(ctx context.Context, in Input) (*Result, error) {
	started := time.Now()
	if in.RunID == "" {
		in.RunID = uuid.New().String()
	}
	if in.Raw == nil {
		return nil, newValidationError("raw", "no raw data")
	}
	if err := ValidatePeakLists(in.Groups, in.PeakLists); err != nil {
		return nil, err
	}
	if err := ValidateGeometry(in.Instrument, in.Groups); err != nil {
		return nil, err
	}
	if in.Mask == nil {
		in.Mask = NewMaskState()
	}
	initialMask := in.Mask.Len()

	ws := NewWorkspaces()
	queue := NewQueue(c.engine, ws, c.locks)
	raw := ws.Add(in.RunID+"_raw", in.Raw)

	log.Printf("[CALIBRATE] Run %s: %d spectra, %d group(s), %d initially masked",
		in.RunID, len(in.Raw.Spectra), len(in.Groups), initialMask)

	pixel, err := NewPixelCalibration(queue, c.config.Pixel).Run(ctx, PixelCalibrationInput{
		RunID:      in.RunID,
		Raw:        raw,
		Instrument: in.Instrument,
		Groups:     in.Groups,
		PeakLists:  in.PeakLists,
		Previous:   in.Previous,
		Mask:       in.Mask,
	})
	if err != nil {
		return nil, fmt.Errorf("pixel calibration: %w", err)
	}
	ws.Release(pixel.TOFData, pixel.DData)

	group, err := NewGroupCalibration(queue, c.config.Group).Run(ctx, GroupCalibrationInput{
		RunID:      in.RunID,
		Raw:        raw,
		Instrument: in.Instrument,
		Groups:     in.Groups,
		PeakLists:  in.PeakLists,
		PixelTable: pixel.TableHandle,
		Mask:       in.Mask,
	})
	if err != nil {
		return nil, fmt.Errorf("group calibration: %w", err)
	}

	res := &Result{
		RunID:       in.RunID,
		Table:       group.Table,
		PixelTable:  pixel.Table,
		Mask:        in.Mask,
		Convergence: pixel.Convergence,
		Converged:   pixel.Converged,
		Iterations:  pixel.Iterations,
		Diagnostics: group.Diagnostics,
		Detectors:   group.DetectorDiagnostics(),
		Warnings:    pixel.Warnings,
		Workspaces:  ws,
		TOFData:     group.TOFData,
		Focused:     group.Focused,
		Started:     started,
	}

	if in.SavePath != "" {
		queue.SaveCalibration("Saving calibration", in.SavePath, group.TableHandle, func(t *CalibrationTable) *CalibrationRecord {
			res.Duration = time.Since(started)
			rec := res.Record(in.Instrument.Name)
			rec.Calibration = t.Rows()
			return rec
		})
		if err := queue.Execute(ctx); err != nil {
			return nil, fmt.Errorf("saving calibration: %w", err)
		}
		log.Printf("[CALIBRATE] Saved calibration to %s", in.SavePath)
	}

	res.Duration = time.Since(started)
	log.Printf("[CALIBRATE] Run %s finished in %v: %d detector(s), %d masked (%d new), %d warning(s)",
		in.RunID, res.Duration.Round(time.Millisecond), res.Table.Len(), res.Mask.Len(),
		res.Mask.Len()-initialMask, len(res.Warnings))
	return res, nil
}
