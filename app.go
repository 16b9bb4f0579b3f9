package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/powdercal/calib"
)

// App holds the state of one CLI invocation.
type App struct {
	ConfigFile string
	InputFile  string
	OutputDir  string
	Seed       int64
	Dead       int
	Publish    bool
	Plot       bool

	Out    io.Writer
	Engine calib.Engine
	// Client, when set, is used instead of connecting to the configured broker.
	Client mqtt.Client
}

// NewApp creates an App that writes its reports to out.
func NewApp(out io.Writer) *App {
	return &App{
		Out:    out,
		Engine: calib.NewNativeEngine(),
		Seed:   1234,
		Dead:   -1,
	}
}

// ApplyOptions copies parsed command-line options into the App.
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.InputFile = opts.InputFile
	a.OutputDir = opts.OutputDir
	a.Seed = opts.Seed
	a.Dead = opts.Dead
	a.Publish = opts.Publish
	a.Plot = opts.Plot
}

func (a *App) loadConfig() (*calib.Config, error) {
	var cfg *calib.Config
	if a.ConfigFile == "" {
		cfg = calib.DefaultConfig()
		cfg.ApplyEnv()
	} else {
		var err error
		if cfg, err = calib.LoadConfig(a.ConfigFile); err != nil {
			return nil, err
		}
	}
	if a.OutputDir != "" {
		cfg.Output.Dir = a.OutputDir
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "."
	}
	return cfg, nil
}

// RunSynthesize writes a synthetic run input to -input, or to
// synthetic-input.json in the output directory.
func (a *App) RunSynthesize() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	opts := calib.DefaultSynthOptions()
	opts.Seed = a.Seed
	opts.DeadDetectors = nil
	if a.Dead >= 0 {
		opts.DeadDetectors = []int{a.Dead}
	}
	syn := calib.Synthesize(opts)

	path := a.InputFile
	if path == "" {
		path = filepath.Join(cfg.Output.Dir, "synthetic-input.json")
	}
	if err := calib.WriteRunFile(path, syn.Input); err != nil {
		return err
	}
	truth := filepath.Join(filepath.Dir(path), "synthetic-truth.json")
	if err := calib.SaveCalibrationRecord(truth, &calib.CalibrationRecord{
		RunID:       "truth",
		Instrument:  syn.Input.Instrument.Name,
		Calibration: syn.Truth.Rows(),
	}); err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "Wrote synthetic input (%d spectra, %d groups, seed %d) to %s\n",
		len(syn.Input.Spectra.Spectra), len(syn.Input.Groups), a.Seed, path)
	fmt.Fprintf(a.Out, "Wrote true calibration to %s\n", truth)
	return nil
}

// RunCalibration calibrates the input file and writes the artifact, plots
// and MQTT messages as requested.
func (a *App) RunCalibration() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	runInput, err := calib.ParseRunFile(a.InputFile)
	if err != nil {
		return fmt.Errorf("loading %s: %w", a.InputFile, err)
	}
	in, err := runInput.CalibratorInput()
	if err != nil {
		return err
	}
	in.SavePath = filepath.Join(cfg.Output.Dir, calib.DefaultRecordName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	calibrator := calib.NewCalibrator(a.Engine, *cfg, calib.NewLockRegistry(cfg.Queue))
	res, err := calibrator.Run(ctx, in)
	if err != nil {
		return err
	}

	a.printResult(res)

	if a.Plot {
		if err := a.writePlots(cfg, res); err != nil {
			return err
		}
	}

	if a.Publish {
		if err := a.publish(cfg, res.Record(runInput.Instrument.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) printResult(res *calib.Result) {
	fmt.Fprintf(a.Out, "Run %s\n", res.RunID)
	fmt.Fprintf(a.Out, "  iterations: %d (converged: %t)\n", res.Iterations, res.Converged)
	fmt.Fprintf(a.Out, "  median |offset| per iteration: %v\n", []float64(res.Convergence))
	fmt.Fprintf(a.Out, "  detectors: %d, masked: %v\n", res.Table.Len(), res.Mask.IDs())
	for _, fit := range res.Diagnostics {
		fmt.Fprintf(a.Out, "  group %d: DIFC %.3f chi2 %.3g succeeded %t\n",
			fit.GroupID, fit.Fitted.DIFC, fit.ChiSq, fit.Succeeded)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(a.Out, "  warning: %v\n", w)
	}
}

func (a *App) writePlots(cfg *calib.Config, res *calib.Result) error {
	format := cfg.Output.PlotFormat
	if format == "" {
		format = "svg"
	}

	convergence := filepath.Join(cfg.Output.Dir, "convergence."+format)
	if err := calib.SavePlot(convergence, format, calib.ConvergencePlot(res.Convergence, cfg.Pixel.ConvergenceThreshold)); err != nil {
		return err
	}

	focused, err := res.Workspaces.Spectra(res.Focused)
	if err != nil {
		return fmt.Errorf("reading focused data: %w", err)
	}
	spectra := filepath.Join(cfg.Output.Dir, "focused."+format)
	if err := calib.SavePlot(spectra, format, calib.SpectraPlot("focused d-spacing", focused)); err != nil {
		return err
	}

	log.Printf("[CALIBRATE] Wrote plots %s and %s", convergence, spectra)
	return nil
}

func (a *App) publish(cfg *calib.Config, rec *calib.CalibrationRecord) error {
	client := a.Client
	if client == nil {
		var err error
		if client, err = calib.ConnectMQTT(cfg.MQTT); err != nil {
			return err
		}
		defer client.Disconnect(250)
	}
	return calib.NewPublisher(client, cfg.MQTT).PublishRecord(rec)
}

// RunInspect prints a saved calibration artifact.
func (a *App) RunInspect(path string) error {
	rec, err := calib.LoadCalibrationRecord(path)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no calibration at %s", path)
	}

	s := calib.Summarize(rec)
	fmt.Fprintf(a.Out, "Run %s (%s), written %v ago\n", s.RunID, s.Instrument, rec.RecordAge().Round(1e9))
	fmt.Fprintf(a.Out, "  detectors: %d, masked: %d, iterations: %d, converged: %t\n",
		s.Detectors, s.Masked, s.Iterations, s.Converged)
	for _, row := range rec.Calibration {
		fmt.Fprintf(a.Out, "  %6d  difc=%.4f  difa=%.4g  tzero=%.4g\n", row.DetectorID, row.DIFC, row.DIFA, row.TZERO)
	}
	for _, w := range s.Warnings {
		fmt.Fprintf(a.Out, "  warning: %s\n", w)
	}
	return nil
}
