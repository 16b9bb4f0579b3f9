package calib

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableOf(t *testing.T, entries map[int]CalibrationEntry) *CalibrationTable {
	t.Helper()
	table := NewCalibrationTable()
	for id, e := range entries {
		require.NoError(t, table.Set(id, e))
	}
	return table
}

// ---------------------------------------------------------------------------
// Set
// ---------------------------------------------------------------------------

func TestCalibrationTable_SetRejectsInvalid(t *testing.T) {
	table := NewCalibrationTable()
	assert.Error(t, table.Set(-1, CalibrationEntry{DIFC: 1}))
	assert.Error(t, table.Set(1, CalibrationEntry{DIFC: 0}))
	assert.Error(t, table.Set(1, CalibrationEntry{DIFC: -5}))
	assert.Error(t, table.Set(1, CalibrationEntry{DIFC: math.NaN()}))
	assert.Error(t, table.Set(1, CalibrationEntry{DIFC: math.Inf(1)}))
	assert.Error(t, table.Set(1, CalibrationEntry{DIFC: 1, TZERO: math.NaN()}))
	assert.Equal(t, 0, table.Len())
}

func TestCalibrationTable_FromRowsRejectsDuplicates(t *testing.T) {
	_, err := NewCalibrationTableFromRows([]CalibrationRow{
		{DetectorID: 1, CalibrationEntry: CalibrationEntry{DIFC: 100}},
		{DetectorID: 1, CalibrationEntry: CalibrationEntry{DIFC: 200}},
	})
	assert.Error(t, err)
}

func TestCalibrationTable_JSON(t *testing.T) {
	table := tableOf(t, map[int]CalibrationEntry{
		3: {DIFC: 5100, DIFA: 0.5, TZERO: 2},
		1: {DIFC: 5000},
	})
	data, err := json.Marshal(table)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"detid":1,"difc":5000,"difa":0,"tzero":0},{"detid":3,"difc":5100,"difa":0.5,"tzero":2}]`, string(data))

	var back CalibrationTable
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, table.Rows(), back.Rows())
}

// ---------------------------------------------------------------------------
// ApplyOffsets
// ---------------------------------------------------------------------------

func TestApplyOffsets_SignConvention(t *testing.T) {
	table := tableOf(t, map[int]CalibrationEntry{1: {DIFC: 5000}, 2: {DIFC: 5000}, 3: {DIFC: 5000}})
	out, err := table.ApplyOffsets(OffsetMap{1: 2, 2: -2}, 1e-3)
	require.NoError(t, err)

	e1, _ := out.Get(1)
	e2, _ := out.Get(2)
	e3, _ := out.Get(3)
	assert.InDelta(t, 5000*math.Pow(1.001, -2), e1.DIFC, 1e-9)
	assert.Less(t, e1.DIFC, 5000.0, "positive offset decreases DIFC")
	assert.Greater(t, e2.DIFC, 5000.0)
	assert.Equal(t, 5000.0, e3.DIFC, "detectors without offsets are unchanged")

	orig, _ := table.Get(1)
	assert.Equal(t, 5000.0, orig.DIFC, "input table is not modified")
}

func TestApplyOffsets_Errors(t *testing.T) {
	table := tableOf(t, map[int]CalibrationEntry{1: {DIFC: 5000}})
	_, err := table.ApplyOffsets(OffsetMap{2: 1}, 1e-3)
	assert.Error(t, err, "unknown detector")
	_, err = table.ApplyOffsets(OffsetMap{1: math.NaN()}, 1e-3)
	assert.Error(t, err)
	_, err = table.ApplyOffsets(OffsetMap{1: 1}, 0)
	assert.Error(t, err)
}

func TestApplyOffsets_KeepsDIFCPositive(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	table := tableOf(t, map[int]CalibrationEntry{0: {DIFC: 5000}, 1: {DIFC: 7000}, 2: {DIFC: 1}})
	for i := 0; i < 200; i++ {
		offsets := OffsetMap{}
		for id := 0; id < 3; id++ {
			offsets[id] = (rng.Float64()*2 - 1) * 50
		}
		var err error
		table, err = table.ApplyOffsets(offsets, 2e-4)
		require.NoError(t, err)
		for _, row := range table.Rows() {
			require.Greater(t, row.DIFC, 0.0)
		}
	}
}

// ---------------------------------------------------------------------------
// CombineScoped
// ---------------------------------------------------------------------------

func TestCombineScoped_OnlyTouchesScope(t *testing.T) {
	previous := tableOf(t, map[int]CalibrationEntry{
		1: {DIFC: 5010, TZERO: 1},
		2: {DIFC: 4990},
		3: {DIFC: 7000, DIFA: 0.2},
		4: {DIFC: 7020},
	})
	arbitrary := tableOf(t, map[int]CalibrationEntry{
		1: {DIFC: 5000}, 2: {DIFC: 5000},
		3: {DIFC: 7000}, 4: {DIFC: 7000},
	})
	fitted := tableOf(t, map[int]CalibrationEntry{
		1: {DIFC: 5050, TZERO: 0.5}, 2: {DIFC: 5050, TZERO: 0.5},
		// detectors 3 and 4 carry a fit too, but are out of scope
		3: {DIFC: 9999}, 4: {DIFC: 9999},
	})

	out, err := CombineScoped(previous, fitted, arbitrary, []int{1, 2})
	require.NoError(t, err)

	e1, _ := out.Get(1)
	assert.InDelta(t, 5010*1.01, e1.DIFC, 1e-9)
	assert.InDelta(t, 1.5, e1.TZERO, 1e-12)
	e2, _ := out.Get(2)
	assert.InDelta(t, 4990*1.01, e2.DIFC, 1e-9)

	for _, id := range []int{3, 4} {
		got, _ := out.Get(id)
		want, _ := previous.Get(id)
		assert.Equal(t, want, got, "detector %d outside the scope changed", id)
	}
}

func TestCombineScoped_DIFAScaling(t *testing.T) {
	previous := tableOf(t, map[int]CalibrationEntry{1: {DIFC: 2000, DIFA: 1}})
	arbitrary := tableOf(t, map[int]CalibrationEntry{1: {DIFC: 1000}})
	fitted := tableOf(t, map[int]CalibrationEntry{1: {DIFC: 1000, DIFA: 3}})

	out, err := CombineScoped(previous, fitted, arbitrary, []int{1})
	require.NoError(t, err)
	e, _ := out.Get(1)
	assert.InDelta(t, 2000, e.DIFC, 1e-9)
	assert.InDelta(t, 1+3*4, e.DIFA, 1e-9)
}

func TestCombineScoped_MissingFitLeavesEntry(t *testing.T) {
	previous := tableOf(t, map[int]CalibrationEntry{1: {DIFC: 5000}})
	arbitrary := tableOf(t, map[int]CalibrationEntry{1: {DIFC: 5000}})

	out, err := CombineScoped(previous, NewCalibrationTable(), arbitrary, []int{1})
	require.NoError(t, err)
	e, _ := out.Get(1)
	assert.Equal(t, 5000.0, e.DIFC)
}

func TestCombineScoped_MissingPrevious(t *testing.T) {
	arbitrary := tableOf(t, map[int]CalibrationEntry{1: {DIFC: 5000}})
	_, err := CombineScoped(NewCalibrationTable(), arbitrary, arbitrary, []int{1})
	assert.Error(t, err)
}

func TestCalibrationTable_Mean(t *testing.T) {
	table := tableOf(t, map[int]CalibrationEntry{1: {DIFC: 100, TZERO: 2}, 2: {DIFC: 300}})
	m, err := table.Mean([]int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, CalibrationEntry{DIFC: 200, TZERO: 1}, m)

	_, err = table.Mean([]int{3})
	assert.Error(t, err)
	_, err = table.Mean(nil)
	assert.Error(t, err)
}
