package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pryaaansu/bmtctracker-sub000/internal/model"
	"github.com/pryaaansu/bmtctracker-sub000/internal/tracker"
)

type captureSink struct {
	reports []model.PositionReport
}

func (c *captureSink) Update(report model.PositionReport) error {
	if err := tracker.Validate(report); err != nil {
		return err
	}
	c.reports = append(c.reports, report)
	return nil
}

type countMetrics struct {
	received int
	rejected map[string]int
}

func (m *countMetrics) ReportReceivedInc()              { m.received++ }
func (m *countMetrics) ReportRejectedInc(reason string) { m.rejected[reason]++ }
func (m *countMetrics) NATSSetConnected(bool)           {}

func newHarness() (*Subscriber, *captureSink, *countMetrics) {
	sink := &captureSink{}
	m := &countMetrics{rejected: make(map[string]int)}
	return &Subscriber{sink: sink, metrics: m}, sink, m
}

func TestHandleValidReport(t *testing.T) {
	s, sink, m := newHarness()
	payload, _ := json.Marshal(model.PositionReport{
		VehicleID: "KA-01", Lat: 12.9716, Lon: 77.5946,
		SpeedKmh: 24, BearingDeg: 90, Timestamp: time.Now(),
	})
	s.handle(&nats.Msg{Subject: "vehicles.r1.KA-01", Data: payload})

	if len(sink.reports) != 1 {
		t.Fatalf("sink received %d reports, want 1", len(sink.reports))
	}
	if m.received != 1 {
		t.Errorf("received count = %d, want 1", m.received)
	}
}

func TestHandleMalformedJSON(t *testing.T) {
	s, sink, m := newHarness()
	s.handle(&nats.Msg{Subject: "vehicles.x", Data: []byte("{not json")})

	if len(sink.reports) != 0 {
		t.Error("malformed payload reached the sink")
	}
	if m.rejected["bad_payload"] != 1 {
		t.Errorf("bad_payload count = %d, want 1", m.rejected["bad_payload"])
	}
}

func TestHandleOutOfRangeReport(t *testing.T) {
	s, sink, m := newHarness()
	payload, _ := json.Marshal(model.PositionReport{
		VehicleID: "KA-01", Lat: 95, Lon: 77.5946,
		SpeedKmh: 24, Timestamp: time.Now(),
	})
	s.handle(&nats.Msg{Subject: "vehicles.r1.KA-01", Data: payload})

	if len(sink.reports) != 0 {
		t.Error("out-of-range report reached the smoother")
	}
	if m.rejected["invalid_report"] != 1 {
		t.Errorf("invalid_report count = %d, want 1", m.rejected["invalid_report"])
	}
}
