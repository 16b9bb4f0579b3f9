package calib

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RunInput is the on-disk description of one calibration run.
type RunInput struct {
	Instrument          Instrument       `json:"instrument"`
	Spectra             Spectra          `json:"spectra"`
	Groups              []PixelGroup     `json:"groups"`
	PeakLists           []GroupPeakList  `json:"peakLists"`
	PreviousCalibration []CalibrationRow `json:"previousCalibration,omitempty"`
	Mask                []int            `json:"mask,omitempty"`
}

// ParseRunFile reads and parses a run input JSON file
func ParseRunFile(path string) (*RunInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return ParseRunJSON(data)
}

// ParseRunJSON parses run input JSON. Unknown keys are rejected with a
// *ValidationError.
func ParseRunJSON(data []byte) (*RunInput, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var in RunInput
	if err := dec.Decode(&in); err != nil {
		if msg := err.Error(); strings.HasPrefix(msg, "json: unknown field ") {
			return nil, newValidationError("input", "unrecognized key "+strings.TrimPrefix(msg, "json: unknown field "))
		}
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return &in, nil
}

// WriteRunFile writes run input as JSON.
func WriteRunFile(path string, in *RunInput) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating input directory: %w", err)
	}
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling run input: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing run input: %w", err)
	}
	return nil
}

// Validate checks the structure of the run input and normalises group
// detector lists to numeric order.
func (in *RunInput) Validate() error {
	if in.Spectra.Unit == "" {
		in.Spectra.Unit = UnitTOF
	}
	if in.Spectra.Unit != UnitTOF {
		return newValidationError("spectra.unit", fmt.Sprintf("raw data must be %s, got %s", UnitTOF, in.Spectra.Unit))
	}
	if len(in.Spectra.Spectra) == 0 {
		return newValidationError("spectra", "no spectra")
	}
	for i, sp := range in.Spectra.Spectra {
		if len(sp.X) != len(sp.Y)+1 || len(sp.Y) == 0 {
			return newValidationError(fmt.Sprintf("spectra[%d]", i), "x must hold one more edge than y")
		}
		if err := checkEdges(sp.X); err != nil {
			return newValidationError(fmt.Sprintf("spectra[%d]", i), err.Error())
		}
		if len(sp.DetectorIDs) == 0 {
			in.Spectra.Spectra[i].DetectorIDs = []int{sp.ID}
		}
	}

	for i := range in.Groups {
		sort.Ints(in.Groups[i].DetectorIDs)
	}
	if err := validateGroups(in.Groups); err != nil {
		return err
	}
	if err := ValidatePeakLists(in.Groups, in.PeakLists); err != nil {
		return err
	}

	if err := ValidateGeometry(in.Instrument, in.Groups); err != nil {
		return err
	}
	if len(in.PreviousCalibration) > 0 {
		if _, err := NewCalibrationTableFromRows(in.PreviousCalibration); err != nil {
			return newValidationError("previousCalibration", err.Error())
		}
	}
	return nil
}

// CalibratorInput converts the run input into pipeline input.
func (in *RunInput) CalibratorInput() (Input, error) {
	out := Input{
		Instrument: in.Instrument,
		Raw:        &in.Spectra,
		Groups:     in.Groups,
		PeakLists:  in.PeakLists,
		Mask:       NewMaskState(in.Mask...),
	}
	if len(in.PreviousCalibration) > 0 {
		t, err := NewCalibrationTableFromRows(in.PreviousCalibration)
		if err != nil {
			return Input{}, newValidationError("previousCalibration", err.Error())
		}
		out.Previous = t
	}
	return out, nil
}
