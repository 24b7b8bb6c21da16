// Package fiscal builds, checks and signs the compliance report documents
// submitted to the ticketing authority. Assembly is a pure transformation;
// signing goes through the bridge relay to reach the smart card.
package fiscal

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"regexp"
	"time"
)

// ReportKind selects the document variant.
type ReportKind string

const (
	KindDaily   ReportKind = "daily"
	KindMonthly ReportKind = "monthly"
	KindEvent   ReportKind = "event"
)

// filePrefix is the kind marker embedded in the report file name.
var filePrefix = map[ReportKind]string{
	KindDaily:   "RG",
	KindMonthly: "RM",
	KindEvent:   "RE",
}

// DefaultGenreCode is substituted for a missing event genre code during
// auto-correction. The authority treats "00" as "unclassified", which is the
// only substitution known to be accepted.
const DefaultGenreCode = "00"

// systemIDPattern is the authority-issued system identifier format.
var systemIDPattern = regexp.MustCompile(`^[A-Z0-9]{6,16}$`)

// Period identifies what a report covers: one day, one month, or one event.
type Period struct {
	Kind      ReportKind
	Day       time.Time // daily
	Month     time.Time // monthly, any instant within the month
	EventID   string    // event
	EventDate time.Time // event
}

// DailyPeriod returns the period covering one day.
func DailyPeriod(day time.Time) Period {
	return Period{Kind: KindDaily, Day: day}
}

// MonthlyPeriod returns the period covering one month.
func MonthlyPeriod(month time.Time) Period {
	return Period{Kind: KindMonthly, Month: month}
}

// EventPeriod returns the period covering one event.
func EventPeriod(eventID string, date time.Time) Period {
	return Period{Kind: KindEvent, EventID: eventID, EventDate: date}
}

// Key returns the canonical idempotency key component for this period.
func (p Period) Key() string {
	switch p.Kind {
	case KindDaily:
		return "D" + p.Day.Format("20060102")
	case KindMonthly:
		return "M" + p.Month.Format("200601")
	default:
		return "E" + p.EventID
	}
}

// encode returns the period string written into both the document body and
// the file name. The two must use identical formatting rules; the validator
// re-derives each independently and asserts equality.
func (p Period) encode() string {
	switch p.Kind {
	case KindDaily:
		return p.Day.Format("20060102")
	case KindMonthly:
		return p.Month.Format("200601")
	default:
		return p.EventDate.Format("20060102")
	}
}

// EventTotals is the per-event row of an assembled report.
type EventTotals struct {
	EventID          string `xml:"codiceEvento,attr"`
	Title            string `xml:"titolo,attr,omitempty"`
	GenreCode        string `xml:"tipoGenere,attr"`
	TicketsIssued    int    `xml:"titoliEmessi,attr"`
	TicketsCancelled int    `xml:"titoliAnnullati,attr"`
	GrossCents       int64  `xml:"importoLordo,attr"`
}

// Aggregates is the ticket data a report is assembled from, supplied by the
// storage collaborator.
type Aggregates struct {
	TicketsIssued    int
	TicketsCancelled int
	GrossCents       int64
	Events           []EventTotals
}

// Document is an assembled report ready for validation and signing.
type Document struct {
	SystemID string
	Kind     ReportKind
	Period   Period
	Sequence int
	FileName string
	Body     []byte
}

type totalsXML struct {
	TicketsIssued    int   `xml:"titoliEmessi,attr"`
	TicketsCancelled int   `xml:"titoliAnnullati,attr"`
	GrossCents       int64 `xml:"importoLordo,attr"`
}

type reportXML struct {
	XMLName     xml.Name      `xml:"RiepilogoTitoli"`
	Version     string        `xml:"versione,attr"`
	SystemID    string        `xml:"codiceSistema,attr"`
	Kind        string        `xml:"tipoRiepilogo,attr"`
	Period      string        `xml:"periodo,attr"`
	Sequence    int           `xml:"progressivo,attr"`
	GeneratedAt string        `xml:"dataGenerazione,attr"`
	Totals      totalsXML     `xml:"Totali"`
	Events      []EventTotals `xml:"Evento"`
}

const reportVersion = "1.0"

// Assemble builds the report body and file name for one period. Pure: no
// clock reads (now is a parameter), no I/O.
func Assemble(systemID string, period Period, sequence int, agg Aggregates, now time.Time) (*Document, error) {
	if !systemIDPattern.MatchString(systemID) {
		return nil, fmt.Errorf("invalid system identifier %q", systemID)
	}
	if _, ok := filePrefix[period.Kind]; !ok {
		return nil, fmt.Errorf("unknown report kind %q", period.Kind)
	}
	if sequence <= 0 {
		return nil, fmt.Errorf("sequence must be positive, got %d", sequence)
	}

	rep := reportXML{
		Version:     reportVersion,
		SystemID:    systemID,
		Kind:        string(period.Kind),
		Period:      period.encode(),
		Sequence:    sequence,
		GeneratedAt: now.UTC().Format(time.RFC3339),
		Totals: totalsXML{
			TicketsIssued:    agg.TicketsIssued,
			TicketsCancelled: agg.TicketsCancelled,
			GrossCents:       agg.GrossCents,
		},
		Events: agg.Events,
	}

	body, err := xml.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report body: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(body)
	buf.WriteByte('\n')

	return &Document{
		SystemID: systemID,
		Kind:     period.Kind,
		Period:   period,
		Sequence: sequence,
		FileName: fileName(period, systemID, sequence),
		Body:     buf.Bytes(),
	}, nil
}

func fileName(period Period, systemID string, sequence int) string {
	prefix := filePrefix[period.Kind]
	if period.Kind == KindEvent {
		return fmt.Sprintf("%s_%s_%s_%d.xml", prefix, systemID, period.encode(), sequence)
	}
	return fmt.Sprintf("%s_%s_%s.xml", prefix, systemID, period.encode())
}
