package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/powdercal/calib"
)

func TestNewApp(t *testing.T) {
	var out bytes.Buffer
	app := NewApp(&out)
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.Engine == nil {
		t.Error("Engine should be initialized")
	}
	if app.Seed != 1234 {
		t.Errorf("expected default seed 1234, got %d", app.Seed)
	}
	if app.Dead != -1 {
		t.Errorf("expected no dead detector by default, got %d", app.Dead)
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp(&bytes.Buffer{})
	opts := AppOptions{
		ConfigFile: "test-config.yaml",
		InputFile:  "run.json",
		OutputDir:  "/tmp/out",
		Seed:       99,
		Dead:       3,
		Publish:    true,
		Plot:       true,
	}
	app.ApplyOptions(opts)

	if app.ConfigFile != "test-config.yaml" {
		t.Errorf("expected ConfigFile test-config.yaml, got %s", app.ConfigFile)
	}
	if app.InputFile != "run.json" {
		t.Errorf("expected InputFile run.json, got %s", app.InputFile)
	}
	if app.OutputDir != "/tmp/out" {
		t.Errorf("expected OutputDir /tmp/out, got %s", app.OutputDir)
	}
	if app.Seed != 99 || app.Dead != 3 {
		t.Errorf("expected seed 99 dead 3, got %d %d", app.Seed, app.Dead)
	}
	if !app.Publish || !app.Plot {
		t.Error("expected Publish and Plot to be set")
	}
}

func TestApp_SynthesizeToOutputDir(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	app := NewApp(&out)
	app.OutputDir = dir

	if err := app.RunSynthesize(); err != nil {
		t.Fatalf("RunSynthesize failed: %v", err)
	}
	for _, name := range []string{"synthetic-input.json", "synthetic-truth.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
	if !strings.Contains(out.String(), "Wrote synthetic input") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestApp_CalibrateAndInspect(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	dir := t.TempDir()
	input := filepath.Join(dir, "input", "run.json")

	var out bytes.Buffer
	app := NewApp(&out)
	app.InputFile = input
	app.OutputDir = filepath.Join(dir, "out")
	app.Dead = 2

	if err := app.RunSynthesize(); err != nil {
		t.Fatalf("RunSynthesize failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "input", "synthetic-truth.json")); err != nil {
		t.Errorf("truth should be written next to the input: %v", err)
	}

	client := calib.NewMockClient()
	client.SetConnected(true)
	app.Client = client
	app.Plot = true
	app.Publish = true

	out.Reset()
	if err := app.RunCalibration(); err != nil {
		t.Fatalf("RunCalibration failed: %v", err)
	}
	if !strings.Contains(out.String(), "Run ") {
		t.Errorf("expected run report, got: %s", out.String())
	}

	for _, name := range []string{calib.DefaultRecordName, "convergence.svg", "focused.svg"} {
		info, err := os.Stat(filepath.Join(app.OutputDir, name))
		if err != nil {
			t.Errorf("expected %s: %v", name, err)
			continue
		}
		if info.Size() == 0 {
			t.Errorf("%s is empty", name)
		}
	}

	latest, ok := client.Message("powdercal/latest")
	if !ok {
		t.Fatal("expected summary on powdercal/latest")
	}
	var summary calib.RunSummary
	if err := calib.DecodePayload("json", latest.Payload, &summary); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if summary.Instrument != "SYNTH" || summary.Masked == 0 {
		t.Errorf("unexpected summary %+v", summary)
	}

	out.Reset()
	if err := app.RunInspect(filepath.Join(app.OutputDir, calib.DefaultRecordName)); err != nil {
		t.Fatalf("RunInspect failed: %v", err)
	}
	if !strings.Contains(out.String(), "Run "+summary.RunID+" (SYNTH)") {
		t.Errorf("unexpected inspect output: %s", out.String())
	}
}

func TestApp_CalibrateMissingInput(t *testing.T) {
	app := NewApp(&bytes.Buffer{})
	app.InputFile = filepath.Join(t.TempDir(), "missing.json")
	app.OutputDir = t.TempDir()
	if err := app.RunCalibration(); err == nil {
		t.Error("expected error for missing input")
	}
}

func TestApp_BadConfig(t *testing.T) {
	app := NewApp(&bytes.Buffer{})
	app.ConfigFile = filepath.Join(t.TempDir(), "missing.yaml")
	if err := app.RunSynthesize(); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestApp_InspectMissing(t *testing.T) {
	app := NewApp(&bytes.Buffer{})
	err := app.RunInspect(filepath.Join(t.TempDir(), "nothing.json"))
	if err == nil || !strings.Contains(err.Error(), "no calibration at") {
		t.Errorf("expected missing calibration error, got %v", err)
	}
}
