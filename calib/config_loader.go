package calib

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Pixel: PixelConfig{
			ConvergenceThreshold: 0.5,
			MaxIterations:        5,
			MaxOffset:            20,
			MaxDSpaceShiftFactor: 2.5,
		},
		Group: GroupConfig{
			PeakFunction: PeakGaussian,
			Background:   BackgroundLinear,
			MinSNR:       5,
			MaxChiSq:     100,
			FitMode:      FitModeDIFC,
		},
		MQTT: MQTTConfig{
			PublishPrefix: "powdercal",
			ClientID:      "powdercal",
			PayloadFormat: "json",
		},
		Output: OutputConfig{
			Dir:        "output",
			PlotFormat: "svg",
		},
	}
}

// LoadConfig loads a YAML configuration on top of DefaultConfig and applies
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides MQTT settings from MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME, MQTT_PASSWORD and MQTT_PUBLISH_PREFIX when set.
func (c *Config) ApplyEnv() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"MQTT_BROKER", &c.MQTT.Broker},
		{"MQTT_CLIENT_ID", &c.MQTT.ClientID},
		{"MQTT_USERNAME", &c.MQTT.Username},
		{"MQTT_PASSWORD", &c.MQTT.Password},
		{"MQTT_PUBLISH_PREFIX", &c.MQTT.PublishPrefix},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}

// Validate checks every section of the configuration.
func (c *Config) Validate() error {
	p := c.Pixel
	if p.ConvergenceThreshold < 0 {
		return fmt.Errorf("pixel.convergenceThreshold must not be negative")
	}
	if p.MaxIterations < 1 {
		return fmt.Errorf("pixel.maxIterations must be at least 1")
	}
	if p.MaxOffset <= 0 {
		return fmt.Errorf("pixel.maxOffset must be positive")
	}
	if p.MaxDSpaceShiftFactor <= 0 {
		return fmt.Errorf("pixel.maxDSpaceShiftFactor must be positive")
	}

	g := c.Group
	if g.PeakFunction != PeakGaussian && g.PeakFunction != PeakLorentzian {
		return fmt.Errorf("group.peakFunction must be %q or %q, got %q", PeakGaussian, PeakLorentzian, g.PeakFunction)
	}
	if g.Background != BackgroundLinear && g.Background != BackgroundFlat {
		return fmt.Errorf("group.background must be %q or %q, got %q", BackgroundLinear, BackgroundFlat, g.Background)
	}
	if g.FitMode != FitModeDIFC && g.FitMode != FitModeDIFCTZero {
		return fmt.Errorf("group.fitMode must be %q or %q, got %q", FitModeDIFC, FitModeDIFCTZero, g.FitMode)
	}
	if g.MinSNR < 0 {
		return fmt.Errorf("group.minSNR must not be negative")
	}
	if g.MaxChiSq <= 0 {
		return fmt.Errorf("group.maxChiSq must be positive")
	}

	for _, name := range append(append([]string(nil), c.Queue.NonReentrant...), c.Queue.NonConcurrent...) {
		if name == "" {
			return fmt.Errorf("queue lock sets must not contain empty operation names")
		}
	}

	switch c.MQTT.PayloadFormat {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("mqtt.payloadFormat must be json or msgpack, got %q", c.MQTT.PayloadFormat)
	}
	if c.MQTT.Broker != "" && c.MQTT.PublishPrefix == "" {
		return fmt.Errorf("mqtt.publishPrefix is required when mqtt.broker is set")
	}

	switch c.Output.PlotFormat {
	case "", "svg", "png":
	default:
		return fmt.Errorf("output.plotFormat must be svg or png, got %q", c.Output.PlotFormat)
	}

	return nil
}
