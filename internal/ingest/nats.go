// Package ingest consumes raw position reports from NATS and feeds them into
// the tracking pipeline after boundary validation.
package ingest

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/pryaaansu/bmtctracker-sub000/internal/model"
)

// SubscriberMetrics counts ingest activity. Optional.
type SubscriberMetrics interface {
	ReportReceivedInc()
	ReportRejectedInc(reason string)
	NATSSetConnected(connected bool)
}

// Sink receives validated reports. Satisfied by tracker.Service.
type Sink interface {
	Update(report model.PositionReport) error
}

type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	sink    Sink
	metrics SubscriberMetrics
}

func NewSubscriber(url, subject string, sink Sink, m SubscriberMetrics) (*Subscriber, error) {
	nc, err := nats.Connect(url,
		nats.Name("eta-tracker"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}

	s := &Subscriber{nc: nc, sink: sink, metrics: m}
	sub, err := nc.Subscribe(subject, s.handle)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.sub = sub
	log.Printf("ingest subscribed to %s", subject)
	return s, nil
}

func (s *Subscriber) handle(msg *nats.Msg) {
	var report model.PositionReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		if s.metrics != nil {
			s.metrics.ReportRejectedInc("bad_payload")
		}
		return
	}
	if err := s.sink.Update(report); err != nil {
		if s.metrics != nil {
			s.metrics.ReportRejectedInc("invalid_report")
		}
		return
	}
	if s.metrics != nil {
		s.metrics.ReportReceivedInc()
	}
}

func (s *Subscriber) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc.Close()
	}
}
