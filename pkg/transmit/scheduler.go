package transmit

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/eventotech/fiscalbridge/pkg/eventfeed"
	"github.com/eventotech/fiscalbridge/pkg/fiscal"
	"github.com/eventotech/fiscalbridge/pkg/metric"
)

// DataSource supplies the ticket aggregates a report is assembled from.
// PendingEvents lists events whose reports are due; each is processed
// independently.
type DataSource interface {
	Aggregates(ctx context.Context, period fiscal.Period) (fiscal.Aggregates, error)
	PendingEvents(ctx context.Context) ([]fiscal.Period, error)
}

// DocumentSigner obtains a signature envelope for a document body.
// Implemented by *fiscal.Signer.
type DocumentSigner interface {
	Sign(ctx context.Context, body []byte) (*fiscal.Envelope, error)
}

// Config carries the scheduler's deployment knobs.
type Config struct {
	// FallbackSystemID is used when the card is unreachable. The card's own
	// system identifier wins whenever the agent can report one.
	FallbackSystemID string
	// To is the authority inbox address.
	To string
	// MinDailyGap suppresses a daily run when the last successful daily
	// delivery is more recent than this. Zero disables the gate.
	MinDailyGap time.Duration

	DailyEnabled   bool
	MonthlyEnabled bool
	EventEnabled   bool
}

// CardReporter is the slice of the bridge relay the scheduler reads
// directly: liveness and the card-reported system identifier. Satisfied by
// *bridge.Relay.
type CardReporter interface {
	AgentLive() bool
	CachedSystemID(ctx context.Context) (string, bool)
}

// Scheduler runs the transmission pipeline for each report kind.
type Scheduler struct {
	cfg     Config
	store   Store
	source  DataSource
	signer  DocumentSigner
	mailer  Mailer
	card    CardReporter
	feed    eventfeed.Publisher
	metrics *metric.Metrics
	logger  *slog.Logger

	now func() time.Time
}

// SchedulerOption tweaks a Scheduler at construction time.
type SchedulerOption func(*Scheduler)

// WithFeed sets the lifecycle event publisher.
func WithFeed(feed eventfeed.Publisher) SchedulerOption {
	return func(s *Scheduler) { s.feed = feed }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metric.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler wires the pipeline together.
func NewScheduler(cfg Config, store Store, source DataSource, signer DocumentSigner,
	mailer Mailer, card CardReporter, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		source:  source,
		signer:  signer,
		mailer:  mailer,
		card:    card,
		feed:    eventfeed.Nop{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunDaily processes the daily report for the given day. The minimum-gap
// gate suppresses accidental rapid re-runs; the idempotency key in the store
// is what actually prevents duplicates.
func (s *Scheduler) RunDaily(ctx context.Context, day time.Time) error {
	if !s.cfg.DailyEnabled {
		return nil
	}
	if s.cfg.MinDailyGap > 0 {
		last, ok, err := s.store.LastSent(ctx, fiscal.KindDaily)
		if err != nil {
			return fmt.Errorf("check last daily delivery: %w", err)
		}
		if ok && s.now().Sub(last) < s.cfg.MinDailyGap {
			s.logger.Info("transmit: daily run suppressed by minimum gap", "lastSent", last)
			return nil
		}
	}
	return s.Process(ctx, fiscal.DailyPeriod(day))
}

// RunMonthly processes the monthly report for the given month.
func (s *Scheduler) RunMonthly(ctx context.Context, month time.Time) error {
	if !s.cfg.MonthlyEnabled {
		return nil
	}
	return s.Process(ctx, fiscal.MonthlyPeriod(month))
}

// RunEvents processes every due event report. A failure on one event is
// recorded on that event's record and does not stop the others.
func (s *Scheduler) RunEvents(ctx context.Context) error {
	if !s.cfg.EventEnabled {
		return nil
	}
	periods, err := s.source.PendingEvents(ctx)
	if err != nil {
		return fmt.Errorf("list pending events: %w", err)
	}
	var firstErr error
	for _, p := range periods {
		if err := s.Process(ctx, p); err != nil {
			s.logger.Error("transmit: event report failed", "eventId", p.EventID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RunEvery drives the pipeline on a fixed interval until the context ends.
// Each tick covers yesterday's daily report, the previous month's report
// during the first days of a new month, and any due event reports.
func (s *Scheduler) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one scheduling pass at the current clock time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	if err := s.RunDaily(ctx, now.AddDate(0, 0, -1)); err != nil {
		s.logger.Error("transmit: daily run failed", "err", err)
	}
	// Monthly reports are due within the first five days of the next month.
	if now.Day() <= 5 {
		if err := s.RunMonthly(ctx, now.AddDate(0, -1, 0)); err != nil {
			s.logger.Error("transmit: monthly run failed", "err", err)
		}
	}
	if err := s.RunEvents(ctx); err != nil {
		s.logger.Error("transmit: event run failed", "err", err)
	}
}

// Process runs the full pipeline for one period. Already-finished periods
// are skipped; a period in the error state is left for Resend. Signature
// failure is tolerated: the authority accepts unsigned submissions with a
// penalty, while a missed deadline voids the license, so the document goes
// out regardless. Validation failure is the one hard stop.
func (s *Scheduler) Process(ctx context.Context, period fiscal.Period) error {
	key := Key{PeriodKey: period.Key(), Kind: period.Kind}
	rec, created, err := s.store.Begin(ctx, key)
	if err != nil {
		return fmt.Errorf("begin transmission %v: %w", key, err)
	}
	if !created {
		if rec.Status == StatusError {
			s.logger.Info("transmit: period previously failed, awaiting explicit resend",
				"periodKey", key.PeriodKey, "detail", rec.ErrorDetail)
		} else {
			s.logger.Debug("transmit: period already handled",
				"periodKey", key.PeriodKey, "status", rec.Status)
		}
		return nil
	}
	return s.run(ctx, rec, period)
}

// Resend re-runs the pipeline for a record stuck in the error state. This
// is the only path that retries a failed period; automatic retry of an
// authority-visible submission risks duplicate filings.
func (s *Scheduler) Resend(ctx context.Context, key Key) error {
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec.Status != StatusError {
		return fmt.Errorf("record %s is %s, only error records can be resent", key.PeriodKey, rec.Status)
	}
	rec.Status = StatusPending
	rec.ErrorDetail = ""
	rec.Signature = nil
	rec.SignatureFormat = ""
	if err := s.store.Update(ctx, rec); err != nil {
		return err
	}
	period, err := periodFromKey(key, rec)
	if err != nil {
		return err
	}
	return s.run(ctx, rec, period)
}

func (s *Scheduler) run(ctx context.Context, rec *Record, period fiscal.Period) error {
	systemID := s.resolveSystemID(ctx)
	if systemID == "" {
		return s.fail(ctx, rec, "no system identifier available from card or configuration")
	}

	agg, err := s.source.Aggregates(ctx, period)
	if err != nil {
		return s.fail(ctx, rec, "load aggregates: "+err.Error())
	}

	doc, err := fiscal.Assemble(systemID, period, rec.Sequence, agg, s.now())
	if err != nil {
		return s.fail(ctx, rec, "assemble: "+err.Error())
	}

	fixed, remaining, err := fiscal.AutoCorrect(doc)
	if err != nil {
		return s.fail(ctx, rec, "auto-correct: "+err.Error())
	}
	if fixed > 0 {
		s.logger.Info("transmit: auto-corrected document",
			"fileName", doc.FileName, "corrections", fixed)
	}
	if len(remaining) > 0 {
		return s.fail(ctx, rec, "validation: "+fiscal.JoinIssues(remaining))
	}

	rec.SystemID = systemID
	rec.FileName = doc.FileName
	rec.Body = doc.Body
	if err := s.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("persist assembled document: %w", err)
	}

	env := s.trySign(ctx, doc)
	if env != nil {
		rec.SignatureFormat = env.Format
		if env.Format == fiscal.FormatLegacy {
			rec.Body = env.SignedXML
		} else {
			rec.Signature = env.Data
		}
		s.transition(ctx, rec, StatusSigned, "")
	}

	// The signed (or corrected) body must still agree with its file name.
	finalDoc := &fiscal.Document{
		SystemID: doc.SystemID, Kind: doc.Kind, Period: doc.Period,
		Sequence: doc.Sequence, FileName: doc.FileName, Body: rec.Body,
	}
	if issues := fiscal.Validate(finalDoc); len(issues) > 0 && !fiscal.Correctable(issues) {
		return s.fail(ctx, rec, "post-sign validation: "+fiscal.JoinIssues(issues))
	}

	if err := s.mailer.Send(ctx, s.buildMessage(rec)); err != nil {
		return s.fail(ctx, rec, "delivery: "+err.Error())
	}

	rec.SentAt = s.now()
	s.transition(ctx, rec, StatusSent, "")
	s.logger.Info("transmit: report delivered",
		"fileName", rec.FileName, "kind", rec.Key.Kind, "signed", env != nil)
	return nil
}

// resolveSystemID prefers the card's own identifier; the configured fallback
// only covers the agent-offline case.
func (s *Scheduler) resolveSystemID(ctx context.Context) string {
	if s.card != nil && s.card.AgentLive() {
		if id, ok := s.card.CachedSystemID(ctx); ok && id != "" {
			return id
		}
	}
	return s.cfg.FallbackSystemID
}

// trySign attempts a card signature. nil means the document proceeds
// unsigned.
func (s *Scheduler) trySign(ctx context.Context, doc *fiscal.Document) *fiscal.Envelope {
	if s.signer == nil {
		return nil
	}
	if s.card != nil && !s.card.AgentLive() {
		s.logger.Warn("transmit: agent offline, sending unsigned", "fileName", doc.FileName)
		return nil
	}
	env, err := s.signer.Sign(ctx, doc.Body)
	if err != nil {
		s.logger.Warn("transmit: signature failed, sending unsigned",
			"fileName", doc.FileName, "err", err)
		return nil
	}
	return env
}

func (s *Scheduler) buildMessage(rec *Record) Message {
	msg := Message{
		To:      s.cfg.To,
		Subject: rec.FileName,
		Body:    fmt.Sprintf("Trasmissione riepilogo %s", rec.FileName),
		Attachments: []Attachment{
			{FileName: rec.FileName, ContentType: "application/xml", Data: rec.Body},
		},
	}
	if rec.SignatureFormat == fiscal.FormatDetached && len(rec.Signature) > 0 {
		// Raw DER; the mail transport applies its own transfer encoding.
		msg.Attachments = append(msg.Attachments, Attachment{
			FileName:    rec.FileName + ".p7s",
			ContentType: "application/pkcs7-signature",
			Data:        rec.Signature,
		})
	}
	return msg
}

func (s *Scheduler) fail(ctx context.Context, rec *Record, detail string) error {
	s.transition(ctx, rec, StatusError, detail)
	return fmt.Errorf("transmission %s: %s", rec.Key.PeriodKey, detail)
}

func (s *Scheduler) transition(ctx context.Context, rec *Record, status Status, detail string) {
	rec.Status = status
	rec.ErrorDetail = detail
	if err := s.store.Update(ctx, rec); err != nil {
		s.logger.Error("transmit: record update failed",
			"periodKey", rec.Key.PeriodKey, "status", status, "err", err)
	}
	s.metrics.RecordTransition(string(rec.Key.Kind), string(status))
	if err := s.feed.Transition(eventfeed.TransitionEvent{
		RecordID:  rec.ID.String(),
		Kind:      string(rec.Key.Kind),
		PeriodKey: rec.Key.PeriodKey,
		Status:    string(status),
		Detail:    detail,
		At:        s.now().UTC(),
	}); err != nil {
		s.logger.Warn("transmit: event feed publish failed", "err", err)
	}
}

// periodFromKey reconstructs the period a record was created for. The key
// encodes everything except the event date, which is recovered from the
// record's file name.
func periodFromKey(key Key, rec *Record) (fiscal.Period, error) {
	switch key.Kind {
	case fiscal.KindDaily:
		day, err := time.Parse("20060102", key.PeriodKey[1:])
		if err != nil {
			return fiscal.Period{}, fmt.Errorf("malformed daily period key %q", key.PeriodKey)
		}
		return fiscal.DailyPeriod(day), nil
	case fiscal.KindMonthly:
		month, err := time.Parse("200601", key.PeriodKey[1:])
		if err != nil {
			return fiscal.Period{}, fmt.Errorf("malformed monthly period key %q", key.PeriodKey)
		}
		return fiscal.MonthlyPeriod(month), nil
	case fiscal.KindEvent:
		date, err := eventDateFromFileName(rec.FileName)
		if err != nil {
			return fiscal.Period{}, err
		}
		return fiscal.EventPeriod(key.PeriodKey[1:], date), nil
	default:
		return fiscal.Period{}, fmt.Errorf("unknown report kind %q", key.Kind)
	}
}

var eventFileNamePattern = regexp.MustCompile(`^RE_[A-Z0-9]+_(\d{8})_\d+\.xml$`)

func eventDateFromFileName(name string) (time.Time, error) {
	m := eventFileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, fmt.Errorf("cannot recover event date from file name %q", name)
	}
	return time.Parse("20060102", m[1])
}
