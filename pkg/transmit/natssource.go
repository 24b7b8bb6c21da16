package transmit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/eventotech/fiscalbridge/pkg/fiscal"
)

// Subjects the main application answers on.
const (
	SubjectAggregates    = "fiscalbridge.aggregates"
	SubjectPendingEvents = "fiscalbridge.events.pending"
)

// aggregateQuery is the request body sent on SubjectAggregates.
type aggregateQuery struct {
	Kind      string `json:"kind"`
	PeriodKey string `json:"periodKey"`
	EventID   string `json:"eventId,omitempty"`
	Date      string `json:"date,omitempty"` // 20060102
}

type pendingEvent struct {
	EventID string `json:"eventId"`
	Date    string `json:"date"` // 20060102
}

// NATSSource fetches ticket aggregates from the main application over NATS
// request/reply. The ticket database stays with the application; the bridge
// only ever sees the summed rows a report is built from.
type NATSSource struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewNATSSource wraps an established NATS connection.
func NewNATSSource(nc *nats.Conn, timeout time.Duration) *NATSSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSSource{nc: nc, timeout: timeout}
}

func (s *NATSSource) Aggregates(ctx context.Context, period fiscal.Period) (fiscal.Aggregates, error) {
	q := aggregateQuery{Kind: string(period.Kind), PeriodKey: period.Key()}
	if period.Kind == fiscal.KindEvent {
		q.EventID = period.EventID
		q.Date = period.EventDate.Format("20060102")
	}
	body, err := json.Marshal(q)
	if err != nil {
		return fiscal.Aggregates{}, err
	}

	msg, err := s.request(ctx, SubjectAggregates, body)
	if err != nil {
		return fiscal.Aggregates{}, fmt.Errorf("aggregate query %s: %w", q.PeriodKey, err)
	}
	var agg fiscal.Aggregates
	if err := json.Unmarshal(msg.Data, &agg); err != nil {
		return fiscal.Aggregates{}, fmt.Errorf("decode aggregates for %s: %w", q.PeriodKey, err)
	}
	return agg, nil
}

func (s *NATSSource) PendingEvents(ctx context.Context) ([]fiscal.Period, error) {
	msg, err := s.request(ctx, SubjectPendingEvents, nil)
	if err != nil {
		return nil, fmt.Errorf("pending events query: %w", err)
	}
	var evs []pendingEvent
	if err := json.Unmarshal(msg.Data, &evs); err != nil {
		return nil, fmt.Errorf("decode pending events: %w", err)
	}
	periods := make([]fiscal.Period, 0, len(evs))
	for _, ev := range evs {
		date, err := time.Parse("20060102", ev.Date)
		if err != nil {
			return nil, fmt.Errorf("pending event %s has malformed date %q", ev.EventID, ev.Date)
		}
		periods = append(periods, fiscal.EventPeriod(ev.EventID, date))
	}
	return periods, nil
}

func (s *NATSSource) request(ctx context.Context, subject string, body []byte) (*nats.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.nc.RequestWithContext(ctx, subject, body)
}
