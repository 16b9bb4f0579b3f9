package calib

import (
	"context"
	"fmt"
	"log"
)

// Operation is one deferred unit of numeric work. Outputs are reserved when
// the operation is enqueued and resolved when it runs.
type Operation interface {
	Name() string
	Args() map[string]any
	Outputs() []Handle
	Run(ctx context.Context, eng Engine, ws *Workspaces) error
}

type queued struct {
	message string
	op      Operation
}

// Queue batches operations and executes them in FIFO order against an Engine.
// A Queue belongs to one calibration run and is not safe for concurrent use;
// the LockRegistry it shares with other queues protects the engine.
type Queue struct {
	engine Engine
	ws     *Workspaces
	locks  *LockRegistry
	ops    []queued

	// Progress, when set, is called before each operation runs.
	Progress func(index, total int, message string)
}

// NewQueue creates a queue. A nil registry selects the process-wide default.
func NewQueue(engine Engine, ws *Workspaces, locks *LockRegistry) *Queue {
	if locks == nil {
		locks = DefaultLockRegistry()
	}
	return &Queue{engine: engine, ws: ws, locks: locks}
}

// Workspaces returns the arena the queue resolves handles in.
func (q *Queue) Workspaces() *Workspaces {
	return q.ws
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	return len(q.ops)
}

// Enqueue registers an operation without running it and returns its
// not-yet-resolved outputs.
func (q *Queue) Enqueue(message string, op Operation) []Handle {
	q.ops = append(q.ops, queued{message: message, op: op})
	return op.Outputs()
}

// Execute runs every pending operation in order. The first failure aborts
// the batch: remaining operations are dropped, every output reserved by the
// batch is released and an *OperationFailure is returned. The queue is empty
// afterwards in every case.
func (q *Queue) Execute(ctx context.Context) error {
	ops := q.ops
	q.ops = nil

	total := len(ops)
	for i, item := range ops {
		if q.Progress != nil {
			q.Progress(i+1, total, item.message)
		}
		log.Printf("[QUEUE] (%d/%d) %s: %s", i+1, total, item.op.Name(), item.message)

		if err := q.runOne(ctx, item.op); err != nil {
			q.sweep(ops)
			failure := &OperationFailure{
				Operation: item.op.Name(),
				Message:   item.message,
				Args:      item.op.Args(),
				Err:       err,
			}
			log.Printf("[QUEUE] ERROR: %v (discarded %d remaining operation(s))", failure, total-i-1)
			return failure
		}
	}
	return nil
}

func (q *Queue) runOne(ctx context.Context, op Operation) (err error) {
	release, err := q.locks.Acquire(op.Name())
	if err != nil {
		return err
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return op.Run(ctx, q.engine, q.ws)
}

// sweep releases every output of the batch, resolved or not.
func (q *Queue) sweep(ops []queued) {
	for _, item := range ops {
		q.ws.Release(item.op.Outputs()...)
	}
}

// ---------------------------------------------------------------------------
// Typed enqueue helpers
// ---------------------------------------------------------------------------

// CreateCalibration enqueues CalculateDiffCal.
func (q *Queue) CreateCalibration(message, output string, inst Instrument) Handle {
	op := &createCalibrationOp{inst: inst, out: q.ws.Reserve(output)}
	return q.Enqueue(message, op)[0]
}

// ApplyCalibration enqueues ApplyDiffCal.
func (q *Queue) ApplyCalibration(message, output string, input, table Handle) Handle {
	op := &applyCalibrationOp{input: input, table: table, out: q.ws.Reserve(output)}
	return q.Enqueue(message, op)[0]
}

// ConvertUnits enqueues ConvertUnits.
func (q *Queue) ConvertUnits(message, output string, input Handle, target Unit) Handle {
	op := &convertUnitsOp{input: input, target: target, out: q.ws.Reserve(output)}
	return q.Enqueue(message, op)[0]
}

// RebinRagged enqueues RebinRagged.
func (q *Queue) RebinRagged(message, output string, input Handle, params []RebinParams) Handle {
	op := &rebinRaggedOp{input: input, params: params, out: q.ws.Reserve(output)}
	return q.Enqueue(message, op)[0]
}

// CrossCorrelateRequest names the inputs of a CrossCorrelate operation.
type CrossCorrelateRequest struct {
	Input          Handle
	ReferenceIndex int
	Indices        []int
	XMin, XMax     float64
	MaxDSpaceShift float64
}

// CrossCorrelate enqueues CrossCorrelate.
func (q *Queue) CrossCorrelate(message, output string, req CrossCorrelateRequest) Handle {
	op := &crossCorrelateOp{req: req, out: q.ws.Reserve(output)}
	return q.Enqueue(message, op)[0]
}

// GetDetectorOffsets enqueues GetDetectorOffsets and returns the offsets and
// failing-detector handles.
func (q *Queue) GetDetectorOffsets(message, output string, correlations Handle, maxOffset float64) (Handle, Handle) {
	op := &getDetectorOffsetsOp{
		correlations: correlations,
		maxOffset:    maxOffset,
		offsets:      q.ws.Reserve(output),
		failed:       q.ws.Reserve(output + "_mask"),
	}
	outs := q.Enqueue(message, op)
	return outs[0], outs[1]
}

// ConvertDiffCal enqueues ConvertDiffCal.
func (q *Queue) ConvertDiffCal(message, output string, offsets, previous Handle, binWidth float64) Handle {
	op := &convertDiffCalOp{offsets: offsets, previous: previous, binWidth: binWidth, out: q.ws.Reserve(output)}
	return q.Enqueue(message, op)[0]
}

// FocusSpectra enqueues DiffractionFocussing.
func (q *Queue) FocusSpectra(message, output string, input Handle, groups []PixelGroup, mask *MaskState) Handle {
	op := &focusSpectraOp{input: input, groups: groups, mask: mask, out: q.ws.Reserve(output)}
	return q.Enqueue(message, op)[0]
}

// FitPeaksRequest names the inputs of a PDCalibration operation.
type FitPeaksRequest struct {
	Input   Handle
	Index   int
	GroupID int
	Peaks   []PeakWindow
	Config  GroupConfig
}

// FitPeaks enqueues PDCalibration and returns the fitted-table and
// diagnostics handles.
func (q *Queue) FitPeaks(message, output string, req FitPeaksRequest) (Handle, Handle) {
	op := &fitPeaksOp{
		req:         req,
		table:       q.ws.Reserve(output),
		diagnostics: q.ws.Reserve(output + "_diagnostics"),
	}
	outs := q.Enqueue(message, op)
	return outs[0], outs[1]
}

// CombineCalibration enqueues CombineDiffCal.
func (q *Queue) CombineCalibration(message, output string, previous, fitted, arbitrary Handle, scope []int) Handle {
	op := &combineCalibrationOp{
		previous: previous, fitted: fitted, arbitrary: arbitrary,
		scope: append([]int(nil), scope...),
		out:   q.ws.Reserve(output),
	}
	return q.Enqueue(message, op)[0]
}

// SaveCalibration enqueues SaveDiffCal, writing the record built from the
// table at run time. It has no outputs.
func (q *Queue) SaveCalibration(message, path string, table Handle, record func(*CalibrationTable) *CalibrationRecord) {
	q.Enqueue(message, &saveCalibrationOp{path: path, table: table, record: record})
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

type createCalibrationOp struct {
	inst Instrument
	out  Handle
}

func (o *createCalibrationOp) Name() string { return OpCalculateDiffCal }
func (o *createCalibrationOp) Args() map[string]any {
	return map[string]any{"instrument": o.inst.Name, "detectors": len(o.inst.Detectors)}
}
func (o *createCalibrationOp) Outputs() []Handle { return []Handle{o.out} }
func (o *createCalibrationOp) Run(ctx context.Context, eng Engine, ws *Workspaces) error {
	t, err := eng.CreateCalibration(ctx, CreateCalibrationArgs{Instrument: o.inst})
	if err != nil {
		return err
	}
	ws.Put(o.out, t)
	return nil
}

type applyCalibrationOp struct {
	input, table, out Handle
}

func (o *applyCalibrationOp) Name() string { return OpApplyDiffCal }
func (o *applyCalibrationOp) Args() map[string]any {
	return map[string]any{"input": o.input, "table": o.table}
}
func (o *applyCalibrationOp) Outputs() []Handle { return []Handle{o.out} }
func (o *applyCalibrationOp) Run(ctx context.Context, eng Engine, ws *Workspaces) error {
	in, err := ws.Spectra(o.input)
	if err != nil {
		return err
	}
	t, err := ws.Table(o.table)
	if err != nil {
		return err
	}
	out, err := eng.ApplyCalibration(ctx, ApplyCalibrationArgs{Input: in, Table: t})
	if err != nil {
		return err
	}
	ws.Put(o.out, out)
	return nil
}

type convertUnitsOp struct {
	input  Handle
	target Unit
	out    Handle
}

func (o *convertUnitsOp) Name() string { return OpConvertUnits }
func (o *convertUnitsOp) Args() map[string]any {
	return map[string]any{"input": o.input, "target": o.target}
}
func (o *convertUnitsOp) Outputs() []Handle { return []Handle{o.out} }
func (o *convertUnitsOp) Run(ctx context.Context, eng Engine, ws *Workspaces) error {
	in, err := ws.Spectra(o.input)
	if err != nil {
		return err
	}
	out, err := eng.ConvertUnits(ctx, ConvertUnitsArgs{Input: in, Target: o.target})
	if err != nil {
		return err
	}
	ws.Put(o.out, out)
	return nil
}

type rebinRaggedOp struct {
	input  Handle
	params []RebinParams
	out    Handle
}

func (o *rebinRaggedOp) Name() string { return OpRebinRagged }
func (o *rebinRaggedOp) Args() map[string]any {
	return map[string]any{"input": o.input, "params": o.params}
}
func (o *rebinRaggedOp) Outputs() []Handle { return []Handle{o.out} }
func (o *rebinRaggedOp) Run(ctx context.Context, eng Engine, ws *Workspaces) error {
	in, err := ws.Spectra(o.input)
	if err != nil {
		return err
	}
	out, err := eng.RebinRagged(ctx, RebinRaggedArgs{Input: in, Params: o.params})
	if err != nil {
		return err
	}
	ws.Put(o.out, out)
	return nil
}

type crossCorrelateOp struct {
	req CrossCorrelateRequest
	out Handle
}

func (o *crossCorrelateOp) Name() string { return OpCrossCorrelate }
func (o *crossCorrelateOp) Args() map[string]any {
	return map[string]any{
		"input":          o.req.Input,
		"referenceIndex": o.req.ReferenceIndex,
		"spectra":        len(o.req.Indices),
		"xMin":           o.req.XMin,
		"xMax":           o.req.XMax,
		"maxDSpaceShift": o.req.MaxDSpaceShift,
	}
}
func (o *crossCorrelateOp) Outputs() []Handle { return []Handle{o.out} }
func (o *crossCorrelateOp) Run(ctx context.Context, eng Engine, ws *Workspaces) error {
	in, err := ws.Spectra(o.req.Input)
	if err != nil {
		return err
	}
	out, err := eng.CrossCorrelate(ctx, CrossCorrelateArgs{
		Input:          in,
		ReferenceIndex: o.req.ReferenceIndex,
		Indices:        o.req.Indices,
		XMin:           o.req.XMin,
		XMax:           o.req.XMax,
		MaxDSpaceShift: o.req.MaxDSpaceShift,
	})
	if err != nil {
		return err
	}
	ws.Put(o.out, out)
	return nil
}

type getDetectorOffsetsOp struct {
	correlations    Handle
	maxOffset       float64
	offsets, failed Handle
}

func (o *getDetectorOffsetsOp) Name() string { return OpGetDetectorOffsets }
func (o *getDetectorOffsetsOp) Args() map[string]any {
	return map[string]any{"correlations": o.correlations, "maxOffset": o.maxOffset}
}
func (o *getDetectorOffsetsOp) Outputs() []Handle { return []Handle{o.offsets, o.failed} }
func (o *getDetectorOffsetsOp) Run(ctx context.Context, eng Engine, ws *Workspaces) error {
	corr, err := ws.Spectra(o.correlations)
	if err != nil {
		return err
	}
	offsets, failed, err := eng.GetDetectorOffsets(ctx, GetDetectorOffsetsArgs{Correlations: corr, MaxOffset: o.maxOffset})
	if err != nil {
		return err
	}
	ws.Put(o.offsets, offsets)
	ws.Put(o.failed, failed)
	return nil
}

type convertDiffCalOp struct {
	offsets, previous Handle
	binWidth          float64
	out               Handle
}

func (o *convertDiffCalOp) Name() string { return OpConvertDiffCal }
func (o *convertDiffCalOp) Args() map[string]any {
	return map[string]any{"offsets": o.offsets, "previous": o.previous, "binWidth": o.binWidth}
}
func (o *convertDiffCalOp) Outputs() []Handle { return []Handle{o.out} }
func (o *convertDiffCalOp) Run(ctx context.Context, eng Engine, ws *Workspaces) error {
	offsets, err := ws.Offsets(o.offsets)
	if err != nil {
		return err
	}
	prev, err := ws.Table(o.previous)
	if err != nil {
		return err
	}
	out, err := eng.ConvertDiffCal(ctx, ConvertDiffCalArgs{Offsets: offsets, Previous: prev, BinWidth: o.binWidth})
	if err != nil {
		return err
	}
	ws.Put(o.out, out)
	return nil
}

type focusSpectraOp struct {
	input  Handle
	groups []PixelGroup
	mask   *MaskState
	out    Handle
}

func (o *focusSpectraOp) Name() string { return OpDiffractionFocussing }
func (o *focusSpectraOp) Args() map[string]any {
	return map[string]any{"input": o.input, "groups": len(o.groups), "masked": o.mask.Len()}
}
func (o *focusSpectraOp) Outputs() []Handle { return []Handle{o.out} }
func (o *focusSpectraOp) Run(ctx context.Context, eng Engine, ws *Workspaces) error {
	in, err := ws.Spectra(o.input)
	if err != nil {
		return err
	}
	out, err := eng.FocusSpectra(ctx, FocusSpectraArgs{Input: in, Groups: o.groups, Mask: o.mask.IDs()})
	if err != nil {
		return err
	}
	ws.Put(o.out, out)
	return nil
}

type fitPeaksOp struct {
	req                FitPeaksRequest
	table, diagnostics Handle
}

func (o *fitPeaksOp) Name() string { return OpPDCalibration }
func (o *fitPeaksOp) Args() map[string]any {
	return map[string]any{
		"input":        o.req.Input,
		"index":        o.req.Index,
		"groupId":      o.req.GroupID,
		"peaks":        len(o.req.Peaks),
		"peakFunction": o.req.Config.PeakFunction,
		"background":   o.req.Config.Background,
		"minSNR":       o.req.Config.MinSNR,
		"maxChiSq":     o.req.Config.MaxChiSq,
	}
}
func (o *fitPeaksOp) Outputs() []Handle { return []Handle{o.table, o.diagnostics} }
func (o *fitPeaksOp) Run(ctx context.Context, eng Engine, ws *Workspaces) error {
	in, err := ws.Spectra(o.req.Input)
	if err != nil {
		return err
	}
	table, fit, err := eng.FitPeaks(ctx, FitPeaksArgs{
		Input:   in,
		Index:   o.req.Index,
		GroupID: o.req.GroupID,
		Peaks:   o.req.Peaks,
		Config:  o.req.Config,
	})
	if err != nil {
		return err
	}
	ws.Put(o.table, table)
	ws.Put(o.diagnostics, fit)
	return nil
}

type combineCalibrationOp struct {
	previous, fitted, arbitrary Handle
	scope                       []int
	out                         Handle
}

func (o *combineCalibrationOp) Name() string { return OpCombineDiffCal }
func (o *combineCalibrationOp) Args() map[string]any {
	return map[string]any{
		"previous":  o.previous,
		"fitted":    o.fitted,
		"arbitrary": o.arbitrary,
		"scope":     len(o.scope),
	}
}
func (o *combineCalibrationOp) Outputs() []Handle { return []Handle{o.out} }
func (o *combineCalibrationOp) Run(ctx context.Context, eng Engine, ws *Workspaces) error {
	prev, err := ws.Table(o.previous)
	if err != nil {
		return err
	}
	fitted, err := ws.Table(o.fitted)
	if err != nil {
		return err
	}
	arb, err := ws.Table(o.arbitrary)
	if err != nil {
		return err
	}
	out, err := eng.CombineCalibration(ctx, CombineCalibrationArgs{Previous: prev, Fitted: fitted, Arbitrary: arb, Scope: o.scope})
	if err != nil {
		return err
	}
	ws.Put(o.out, out)
	return nil
}

type saveCalibrationOp struct {
	path   string
	table  Handle
	record func(*CalibrationTable) *CalibrationRecord
}

func (o *saveCalibrationOp) Name() string { return OpSaveDiffCal }
func (o *saveCalibrationOp) Args() map[string]any {
	return map[string]any{"path": o.path, "table": o.table}
}
func (o *saveCalibrationOp) Outputs() []Handle { return nil }
func (o *saveCalibrationOp) Run(_ context.Context, _ Engine, ws *Workspaces) error {
	t, err := ws.Table(o.table)
	if err != nil {
		return err
	}
	return SaveCalibrationRecord(o.path, o.record(t))
}
