package calib

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func validConfigYAML() string {
	return `pixel:
  convergenceThreshold: 0.25
  maxIterations: 8
group:
  peakFunction: lorentzian
  fitMode: difc+tzero
queue:
  lockFile: /tmp/powdercal.lock
  nonReentrant: [ExportTable]
mqtt:
  broker: tcp://localhost:1883
  publishPrefix: beamline
output:
  dir: results
  plotFormat: png
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

func TestLoadConfig_NotExists(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Pixel.ConvergenceThreshold != 0.25 {
		t.Errorf("ConvergenceThreshold = %g, want 0.25", cfg.Pixel.ConvergenceThreshold)
	}
	if cfg.Pixel.MaxIterations != 8 {
		t.Errorf("MaxIterations = %d, want 8", cfg.Pixel.MaxIterations)
	}
	if cfg.Group.PeakFunction != PeakLorentzian {
		t.Errorf("PeakFunction = %q, want %q", cfg.Group.PeakFunction, PeakLorentzian)
	}
	if cfg.Group.FitMode != FitModeDIFCTZero {
		t.Errorf("FitMode = %q, want %q", cfg.Group.FitMode, FitModeDIFCTZero)
	}
	if len(cfg.Queue.NonReentrant) != 1 || cfg.Queue.NonReentrant[0] != "ExportTable" {
		t.Errorf("NonReentrant = %v, want [ExportTable]", cfg.Queue.NonReentrant)
	}
	if cfg.MQTT.PublishPrefix != "beamline" {
		t.Errorf("PublishPrefix = %q, want beamline", cfg.MQTT.PublishPrefix)
	}
	if cfg.Output.PlotFormat != "png" {
		t.Errorf("PlotFormat = %q, want png", cfg.Output.PlotFormat)
	}
}

func TestLoadConfig_KeepsDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "pixel:\n  maxIterations: 3\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := DefaultConfig()
	if cfg.Pixel.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want 3", cfg.Pixel.MaxIterations)
	}
	if cfg.Pixel.MaxOffset != def.Pixel.MaxOffset {
		t.Errorf("MaxOffset = %g, want default %g", cfg.Pixel.MaxOffset, def.Pixel.MaxOffset)
	}
	if cfg.Group != def.Group {
		t.Errorf("Group = %+v, want defaults %+v", cfg.Group, def.Group)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"zero iterations", "pixel:\n  maxIterations: 0\n", "maxIterations"},
		{"negative threshold", "pixel:\n  convergenceThreshold: -1\n", "convergenceThreshold"},
		{"peak function", "group:\n  peakFunction: voigt\n", "peakFunction"},
		{"background", "group:\n  background: cubic\n", "background"},
		{"fit mode", "group:\n  fitMode: everything\n", "fitMode"},
		{"chi2", "group:\n  maxChiSq: 0\n", "maxChiSq"},
		{"payload format", "mqtt:\n  payloadFormat: xml\n", "payloadFormat"},
		{"plot format", "output:\n  plotFormat: gif\n", "plotFormat"},
		{"empty lock name", "queue:\n  nonConcurrent: [\"\"]\n", "lock sets"},
		{"bad yaml", "pixel: [", "parsing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_PUBLISH_PREFIX", "env-prefix")
	t.Setenv("MQTT_USERNAME", "user")

	cfg, err := LoadConfig(writeConfig(t, validConfigYAML()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("Broker = %q, want env override", cfg.MQTT.Broker)
	}
	if cfg.MQTT.PublishPrefix != "env-prefix" {
		t.Errorf("PublishPrefix = %q, want env override", cfg.MQTT.PublishPrefix)
	}
	if cfg.MQTT.Username != "user" {
		t.Errorf("Username = %q, want user", cfg.MQTT.Username)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := DefaultConfig()
	cfg.Pixel.MaxIterations = 11
	cfg.Queue.NonConcurrent = []string{"Export"}

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Pixel != cfg.Pixel {
		t.Errorf("Pixel = %+v, want %+v", loaded.Pixel, cfg.Pixel)
	}
	if len(loaded.Queue.NonConcurrent) != 1 {
		t.Errorf("NonConcurrent = %v", loaded.Queue.NonConcurrent)
	}
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
