package calib

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

// RunSummary is the compact message published for every run.
type RunSummary struct {
	RunID       string   `json:"runId" msgpack:"runId"`
	Instrument  string   `json:"instrument,omitempty" msgpack:"instrument,omitempty"`
	CreatedAt   int64    `json:"createdAt" msgpack:"createdAt"`
	Detectors   int      `json:"detectors" msgpack:"detectors"`
	Masked      int      `json:"masked" msgpack:"masked"`
	Iterations  int      `json:"iterations" msgpack:"iterations"`
	Converged   bool     `json:"converged" msgpack:"converged"`
	FinalMedian float64  `json:"finalMedian" msgpack:"finalMedian"`
	Warnings    []string `json:"warnings,omitempty" msgpack:"warnings,omitempty"`
}

// Summarize builds the run summary of a record.
func Summarize(rec *CalibrationRecord) RunSummary {
	s := RunSummary{
		RunID:      rec.RunID,
		Instrument: rec.Instrument,
		CreatedAt:  rec.CreatedAt,
		Detectors:  len(rec.Calibration),
		Masked:     len(rec.Mask),
		Iterations: rec.Iterations,
		Converged:  rec.Converged,
		Warnings:   rec.Warnings,
	}
	if len(rec.Convergence) > 0 {
		s.FinalMedian = rec.Convergence.Last()
	}
	if s.Iterations < len(rec.Convergence) {
		s.Iterations = len(rec.Convergence)
	}
	return s
}

// Publisher publishes calibration results to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	format        string
	qos           byte
	mu            sync.Mutex
	last          *RunSummary
}

// NewPublisher creates a result publisher. Payloads are JSON unless the
// config asks for msgpack.
func NewPublisher(client mqtt.Client, cfg MQTTConfig) *Publisher {
	prefix := cfg.PublishPrefix
	if prefix == "" {
		prefix = "powdercal"
	}
	format := cfg.PayloadFormat
	if format == "" {
		format = "json"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		format:        format,
		qos:           1,
	}
}

// ConnectMQTT builds a paho client from config and connects synchronously.
func ConnectMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt.broker is not set")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "powdercal"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	log.Printf("[PUBLISH] Connecting to MQTT broker %s...", cfg.Broker)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connecting to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// PublishRecord publishes the summary, calibration, mask, convergence and
// diagnostics of a run under {prefix}/{runID}/ and the summary to the
// retained {prefix}/latest topic.
func (p *Publisher) PublishRecord(rec *CalibrationRecord) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	summary := Summarize(rec)
	messages := []struct {
		topic  string
		value  any
		retain bool
	}{
		{p.topic(rec.RunID, "summary"), summary, false},
		{p.topic(rec.RunID, "calibration"), rec.Calibration, false},
		{p.topic(rec.RunID, "mask"), rec.Mask, false},
		{p.topic(rec.RunID, "convergence"), rec.Convergence, false},
		{p.topic(rec.RunID, "diagnostics"), rec.Diagnostics, false},
		{p.publishPrefix + "/latest", summary, true},
	}
	for _, m := range messages {
		if err := p.publish(m.topic, m.value, m.retain); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.last = &summary
	p.mu.Unlock()

	log.Printf("[PUBLISH] Published run %s (%d detectors, %d masked) as %s",
		rec.RunID, summary.Detectors, summary.Masked, p.format)
	return nil
}

// LastSummary returns the most recently published summary.
func (p *Publisher) LastSummary() (RunSummary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return RunSummary{}, false
	}
	return *p.last, true
}

func (p *Publisher) topic(runID, kind string) string {
	return fmt.Sprintf("%s/%s/%s", p.publishPrefix, runID, kind)
}

func (p *Publisher) publish(topic string, v any, retain bool) error {
	payload, err := EncodePayload(p.format, v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// EncodePayload marshals v as json or msgpack.
func EncodePayload(format string, v any) ([]byte, error) {
	switch format {
	case "", "json":
		return json.Marshal(v)
	case "msgpack":
		return msgpack.Marshal(v)
	}
	return nil, fmt.Errorf("unknown payload format %q", format)
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(format string, data []byte, v any) error {
	switch format {
	case "", "json":
		return json.Unmarshal(data, v)
	case "msgpack":
		return msgpack.Unmarshal(data, v)
	}
	return fmt.Errorf("unknown payload format %q", format)
}
