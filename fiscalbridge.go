// fiscalbridge.go
package fiscalbridge

import (
	"github.com/eventotech/fiscalbridge/pkg/bridge"
	"github.com/eventotech/fiscalbridge/pkg/fiscal"
	"github.com/eventotech/fiscalbridge/pkg/frames"
	"github.com/eventotech/fiscalbridge/pkg/session"
	"github.com/eventotech/fiscalbridge/pkg/transmit"
)

// Re-export core types
type (
	Relay       = bridge.Relay
	Option      = bridge.Option
	AgentStatus = bridge.AgentStatus
	Frame       = frames.Frame
	Identity    = session.Identity
	Document    = fiscal.Document
	Period      = fiscal.Period
	Aggregates  = fiscal.Aggregates
	Envelope    = fiscal.Envelope
	Signer      = fiscal.Signer
	Scheduler   = transmit.Scheduler
	Record      = transmit.Record
)

// Re-export error types
var (
	ErrAgentOffline      = bridge.ErrAgentOffline
	ErrRequestTimeout    = bridge.ErrRequestTimeout
	ErrAgentDisconnected = bridge.ErrAgentDisconnected
	ErrCardNotReady      = bridge.ErrCardNotReady
	ErrRecordNotFound    = transmit.ErrRecordNotFound
)

// NewRelay creates the websocket bridge relay.
func NewRelay(opts ...bridge.Option) (*bridge.Relay, error) {
	return bridge.New(opts...)
}

// NewSigner creates a card signer backed by a relay.
func NewSigner(r *bridge.Relay) *fiscal.Signer {
	return fiscal.NewSigner(r, nil)
}

// NewScheduler wires the transmission pipeline.
func NewScheduler(cfg transmit.Config, store transmit.Store, source transmit.DataSource,
	signer transmit.DocumentSigner, mailer transmit.Mailer, card transmit.CardReporter,
	opts ...transmit.SchedulerOption) *transmit.Scheduler {
	return transmit.NewScheduler(cfg, store, source, signer, mailer, card, opts...)
}
