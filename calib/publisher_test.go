package calib

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewPublisher_Defaults(t *testing.T) {
	p := NewPublisher(nil, MQTTConfig{})
	if p.publishPrefix != "powdercal" {
		t.Errorf("Default prefix = %s, want powdercal", p.publishPrefix)
	}
	if p.format != "json" {
		t.Errorf("Default format = %s, want json", p.format)
	}
	if p.qos != 1 {
		t.Errorf("Default QoS = %d, want 1", p.qos)
	}
	if _, ok := p.LastSummary(); ok {
		t.Error("LastSummary() should be empty before publishing")
	}
}

func TestPublisher_NotConnected(t *testing.T) {
	client := NewMockClient()
	p := NewPublisher(client, MQTTConfig{PublishPrefix: "bl"})
	if err := p.PublishRecord(sampleRecord()); err == nil {
		t.Fatal("expected error publishing without a connection")
	}
	if len(client.GetPublishedMessages()) != 0 {
		t.Error("nothing should be published while disconnected")
	}

	if err := NewPublisher(nil, MQTTConfig{}).PublishRecord(sampleRecord()); err == nil {
		t.Fatal("expected error with nil client")
	}
}

func TestPublisher_PublishRecord(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, MQTTConfig{PublishPrefix: "bl"})

	if err := p.PublishRecord(sampleRecord()); err != nil {
		t.Fatalf("PublishRecord() error = %v", err)
	}

	msgs := client.GetPublishedMessages()
	if len(msgs) != 6 {
		t.Fatalf("published %d messages, want 6", len(msgs))
	}
	for _, kind := range []string{"summary", "calibration", "mask", "convergence", "diagnostics"} {
		msg, ok := client.Message("bl/run-1/" + kind)
		if !ok {
			t.Errorf("no message on bl/run-1/%s", kind)
			continue
		}
		if msg.Retain {
			t.Errorf("bl/run-1/%s should not be retained", kind)
		}
		if msg.QoS != 1 {
			t.Errorf("bl/run-1/%s QoS = %d, want 1", kind, msg.QoS)
		}
	}

	latest, ok := client.Message("bl/latest")
	if !ok {
		t.Fatal("no message on bl/latest")
	}
	if !latest.Retain {
		t.Error("bl/latest should be retained")
	}
	var summary RunSummary
	if err := json.Unmarshal(latest.Payload, &summary); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if summary.RunID != "run-1" || summary.Detectors != 2 || summary.Masked != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.FinalMedian != 0.4 || summary.Iterations != 2 || !summary.Converged {
		t.Errorf("summary convergence = %+v", summary)
	}

	var rows []CalibrationRow
	cal, _ := client.Message("bl/run-1/calibration")
	if err := json.Unmarshal(cal.Payload, &rows); err != nil {
		t.Fatalf("decoding calibration: %v", err)
	}
	if len(rows) != 2 || rows[1].DIFC != 5010 {
		t.Errorf("calibration rows = %+v", rows)
	}

	last, ok := p.LastSummary()
	if !ok || last.RunID != "run-1" {
		t.Errorf("LastSummary() = %+v, %v", last, ok)
	}
}

func TestSummarize_Iterations(t *testing.T) {
	// a run stopped by a rising median records one value fewer than it ran
	rec := sampleRecord()
	rec.Convergence = ConvergenceRecord{2, 1}
	rec.Iterations = 3
	rec.Converged = false
	if got := Summarize(rec).Iterations; got != 3 {
		t.Errorf("Iterations = %d, want 3", got)
	}

	// artifacts written without an iteration count fall back to the record
	rec.Iterations = 0
	if got := Summarize(rec).Iterations; got != 2 {
		t.Errorf("Iterations = %d, want 2", got)
	}
}

func TestPublisher_Msgpack(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, MQTTConfig{PayloadFormat: "msgpack"})

	if err := p.PublishRecord(sampleRecord()); err != nil {
		t.Fatalf("PublishRecord() error = %v", err)
	}

	msg, ok := client.Message("powdercal/run-1/calibration")
	if !ok {
		t.Fatal("no calibration message")
	}
	var rows []CalibrationRow
	if err := DecodePayload("msgpack", msg.Payload, &rows); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if len(rows) != 2 || rows[0].DetectorID != 0 || rows[1].TZERO != 1.5 {
		t.Errorf("rows = %+v", rows)
	}

	var summary RunSummary
	latest, _ := client.Message("powdercal/latest")
	if err := DecodePayload("msgpack", latest.Payload, &summary); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if summary.RunID != "run-1" {
		t.Errorf("summary.RunID = %q", summary.RunID)
	}
}

func TestPublisher_PublishError(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	client.SetPublishError(errors.New("broker full"))

	err := NewPublisher(client, MQTTConfig{}).PublishRecord(sampleRecord())
	if err == nil {
		t.Fatal("expected publish error")
	}
}

func TestEncodePayload_UnknownFormat(t *testing.T) {
	if _, err := EncodePayload("xml", 1); err == nil {
		t.Error("expected error for unknown format")
	}
	if err := DecodePayload("xml", nil, new(int)); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestConnectMQTT_NoBroker(t *testing.T) {
	if _, err := ConnectMQTT(MQTTConfig{}); err == nil {
		t.Error("expected error without a broker")
	}
}
