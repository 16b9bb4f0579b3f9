package calib

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultRecordName is the artifact file name used inside the output directory.
const DefaultRecordName = "calibration.json"

// CalibrationRecord is the persisted outcome of one calibration run.
type CalibrationRecord struct {
	RunID       string               `json:"runId" msgpack:"runId"`
	Instrument  string               `json:"instrument,omitempty" msgpack:"instrument,omitempty"`
	CreatedAt   int64                `json:"createdAt" msgpack:"createdAt"`
	Calibration []CalibrationRow     `json:"calibration" msgpack:"calibration"`
	Mask        []int                `json:"mask" msgpack:"mask"`
	Convergence ConvergenceRecord    `json:"convergence" msgpack:"convergence"`
	Iterations  int                  `json:"iterations" msgpack:"iterations"` // includes a rejected final iteration
	Converged   bool                 `json:"converged" msgpack:"converged"`
	Diagnostics []DetectorDiagnostic `json:"diagnostics,omitempty" msgpack:"diagnostics,omitempty"`
	GroupFits   []GroupFit           `json:"groupFits,omitempty" msgpack:"groupFits,omitempty"`
	Warnings    []string             `json:"warnings,omitempty" msgpack:"warnings,omitempty"`
}

// Table rebuilds the calibration table stored in the record.
func (r *CalibrationRecord) Table() (*CalibrationTable, error) {
	return NewCalibrationTableFromRows(r.Calibration)
}

// MaskState rebuilds the mask stored in the record.
func (r *CalibrationRecord) MaskState() *MaskState {
	return NewMaskState(r.Mask...)
}

// LoadCalibrationRecord reads a calibration artifact. A missing file returns
// nil without error.
func LoadCalibrationRecord(path string) (*CalibrationRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading calibration file: %w", err)
	}

	var rec CalibrationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing calibration file: %w", err)
	}
	if _, err := rec.Table(); err != nil {
		return nil, fmt.Errorf("invalid calibration in %s: %w", path, err)
	}

	return &rec, nil
}

// SaveCalibrationRecord writes a calibration artifact, creating its directory.
func SaveCalibrationRecord(path string, rec *CalibrationRecord) error {
	if rec == nil {
		return fmt.Errorf("no calibration record to save")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating calibration directory: %w", err)
	}

	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling calibration record: %w", err)
	}

	// write then rename so readers never see a partial file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing calibration file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing calibration file: %w", err)
	}

	return nil
}

// RecordAge reports how long ago the record was written.
func (r *CalibrationRecord) RecordAge() time.Duration {
	if r == nil || r.CreatedAt == 0 {
		return 0
	}
	return time.Since(time.Unix(r.CreatedAt, 0))
}
