// Package eventfeed publishes bridge and transmission lifecycle events to an
// external message bus so operator tooling can follow along without polling.
// Delivery is best effort: a publish failure is logged by the caller and
// never affects the operation that produced the event.
package eventfeed

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects used on the bus.
const (
	SubjectAgentState        = "fiscalbridge.agent.state"
	SubjectTransmissionState = "fiscalbridge.transmission.state"
)

// AgentStateEvent reports the hardware agent coming or going.
type AgentStateEvent struct {
	Connected bool      `json:"connected"`
	At        time.Time `json:"at"`
}

// TransitionEvent reports a transmission record changing status.
type TransitionEvent struct {
	RecordID  string    `json:"recordId"`
	Kind      string    `json:"kind"`
	PeriodKey string    `json:"periodKey"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher is the sink for lifecycle events.
type Publisher interface {
	AgentState(connected bool) error
	Transition(ev TransitionEvent) error
}

// NATS publishes events as JSON messages over a NATS connection.
type NATS struct {
	nc *nats.Conn
}

// NewNATS wraps an established NATS connection.
func NewNATS(nc *nats.Conn) *NATS {
	return &NATS{nc: nc}
}

func (p *NATS) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.nc.Publish(subject, data)
}

func (p *NATS) AgentState(connected bool) error {
	return p.publish(SubjectAgentState, AgentStateEvent{Connected: connected, At: time.Now().UTC()})
}

func (p *NATS) Transition(ev TransitionEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return p.publish(SubjectTransmissionState, ev)
}

// Nop discards all events. Used when no bus is configured.
type Nop struct{}

func (Nop) AgentState(bool) error            { return nil }
func (Nop) Transition(TransitionEvent) error { return nil }
