package transmit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventotech/fiscalbridge/pkg/fiscal"
)

var fixedNow = time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)

type stubSource struct {
	agg    fiscal.Aggregates
	aggErr map[string]error // by period key
	events []fiscal.Period
}

func (s *stubSource) Aggregates(_ context.Context, p fiscal.Period) (fiscal.Aggregates, error) {
	if err := s.aggErr[p.Key()]; err != nil {
		return fiscal.Aggregates{}, err
	}
	return s.agg, nil
}

func (s *stubSource) PendingEvents(context.Context) ([]fiscal.Period, error) {
	return s.events, nil
}

type stubSigner struct {
	env        *fiscal.Envelope
	err        error
	legacyEcho bool
	tamper     func([]byte) []byte
	calls      int
}

func (s *stubSigner) Sign(_ context.Context, body []byte) (*fiscal.Envelope, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.legacyEcho {
		if s.tamper != nil {
			body = s.tamper(body)
		}
		return &fiscal.Envelope{Format: fiscal.FormatLegacy, SignedXML: body, Deprecated: true}, nil
	}
	return s.env, nil
}

type stubMailer struct {
	sent []Message
	err  error
}

func (m *stubMailer) Send(_ context.Context, msg Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type stubCard struct {
	live     bool
	systemID string
}

func (c *stubCard) AgentLive() bool { return c.live }

func (c *stubCard) CachedSystemID(context.Context) (string, bool) {
	return c.systemID, c.systemID != ""
}

func cleanAggregates() fiscal.Aggregates {
	return fiscal.Aggregates{
		TicketsIssued: 5, TicketsCancelled: 0, GrossCents: 10000,
		Events: []fiscal.EventTotals{
			{EventID: "EV001", GenreCode: "01", TicketsIssued: 5, GrossCents: 10000},
		},
	}
}

type fixture struct {
	sched  *Scheduler
	store  *MemoryStore
	mailer *stubMailer
	signer *stubSigner
	source *stubSource
	card   *stubCard
}

func newFixture(t *testing.T, mutate ...func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		store:  NewMemoryStore(),
		mailer: &stubMailer{},
		source: &stubSource{agg: cleanAggregates()},
		signer: &stubSigner{env: &fiscal.Envelope{
			Format: fiscal.FormatDetached, Data: []byte{0x30, 0x01}, DigestAlgorithm: "SHA256",
		}},
		card: &stubCard{live: true, systemID: "SYS001A"},
	}
	for _, m := range mutate {
		m(f)
	}
	f.sched = NewScheduler(
		Config{
			FallbackSystemID: "FALLBACK1",
			To:               "inbox@authority.example",
			DailyEnabled:     true,
			MonthlyEnabled:   true,
			EventEnabled:     true,
		},
		f.store, f.source, f.signer, f.mailer, f.card,
		WithClock(func() time.Time { return fixedNow }),
	)
	return f
}

func dailyKey() Key {
	return Key{PeriodKey: "D20260314", Kind: fiscal.KindDaily}
}

func day() time.Time { return time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC) }

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sched.Process(context.Background(), fiscal.DailyPeriod(day())))

	rec, err := f.store.Get(context.Background(), dailyKey())
	require.NoError(t, err)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, "RG_SYS001A_20260314.xml", rec.FileName)
	assert.Equal(t, "SYS001A", rec.SystemID, "the card's identifier wins over the fallback")
	assert.Equal(t, fiscal.FormatDetached, rec.SignatureFormat)
	assert.NotEmpty(t, rec.Signature)
	assert.Equal(t, fixedNow, rec.SentAt)

	require.Len(t, f.mailer.sent, 1)
	msg := f.mailer.sent[0]
	assert.Equal(t, "inbox@authority.example", msg.To)
	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, "RG_SYS001A_20260314.xml", msg.Attachments[0].FileName)
	assert.Equal(t, "RG_SYS001A_20260314.xml.p7s", msg.Attachments[1].FileName)
}

func TestProcessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sched.Process(ctx, fiscal.DailyPeriod(day())))
	require.NoError(t, f.sched.Process(ctx, fiscal.DailyPeriod(day())))

	assert.Len(t, f.mailer.sent, 1, "a period is delivered exactly once")
	assert.Equal(t, 1, f.signer.calls)
}

func TestProcessUsesFallbackSystemID(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.card = &stubCard{live: false} })
	require.NoError(t, f.sched.Process(context.Background(), fiscal.DailyPeriod(day())))

	rec, err := f.store.Get(context.Background(), dailyKey())
	require.NoError(t, err)
	assert.Equal(t, "FALLBACK1", rec.SystemID)
	// With the agent offline the document goes out unsigned.
	assert.Empty(t, rec.Signature)
	assert.Zero(t, f.signer.calls)
	assert.Len(t, f.mailer.sent, 1)
}

func TestProcessValidationFailureStopsDelivery(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		agg := cleanAggregates()
		agg.TicketsIssued = 99 // disagrees with the event sums
		f.source.agg = agg
	})
	err := f.sched.Process(context.Background(), fiscal.DailyPeriod(day()))
	require.Error(t, err)

	rec, gerr := f.store.Get(context.Background(), dailyKey())
	require.NoError(t, gerr)
	assert.Equal(t, StatusError, rec.Status)
	assert.Contains(t, rec.ErrorDetail, "totals_not_additive")
	assert.Empty(t, f.mailer.sent, "nothing inconsistent may reach the authority")
	assert.Zero(t, f.signer.calls)
}

func TestProcessAutoCorrectsMissingGenre(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		agg := cleanAggregates()
		agg.Events[0].GenreCode = ""
		f.source.agg = agg
	})
	require.NoError(t, f.sched.Process(context.Background(), fiscal.DailyPeriod(day())))

	rec, err := f.store.Get(context.Background(), dailyKey())
	require.NoError(t, err)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Contains(t, string(rec.Body), `tipoGenere="`+fiscal.DefaultGenreCode+`"`)
}

func TestProcessSignatureFailureProceedsUnsigned(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.signer.err = errors.New("card rejected PIN") })
	require.NoError(t, f.sched.Process(context.Background(), fiscal.DailyPeriod(day())))

	rec, err := f.store.Get(context.Background(), dailyKey())
	require.NoError(t, err)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Empty(t, rec.Signature)
	assert.Empty(t, rec.SignatureFormat)

	require.Len(t, f.mailer.sent, 1)
	assert.Len(t, f.mailer.sent[0].Attachments, 1, "no signature attachment without a signature")
}

func TestProcessLegacySignatureReplacesBody(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.signer.legacyEcho = true })
	require.NoError(t, f.sched.Process(context.Background(), fiscal.DailyPeriod(day())))

	rec, err := f.store.Get(context.Background(), dailyKey())
	require.NoError(t, err)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, fiscal.FormatLegacy, rec.SignatureFormat)
	assert.Empty(t, rec.Signature)
	require.Len(t, f.mailer.sent, 1)
	assert.Len(t, f.mailer.sent[0].Attachments, 1)
}

func TestProcessStopsWhenSignedBodyDisagreesWithFileName(t *testing.T) {
	// A legacy signer that rewrites the period inside the document it signs.
	// The re-derived body period no longer matches the file name, which must
	// stop the pipeline before delivery.
	f := newFixture(t, func(f *fixture) {
		f.signer.legacyEcho = true
		f.signer.tamper = func(body []byte) []byte {
			return bytes.Replace(body, []byte(`periodo="20260314"`), []byte(`periodo="20260399"`), 1)
		}
	})
	err := f.sched.Process(context.Background(), fiscal.DailyPeriod(day()))
	require.Error(t, err)

	rec, gerr := f.store.Get(context.Background(), dailyKey())
	require.NoError(t, gerr)
	assert.Equal(t, StatusError, rec.Status)
	assert.Contains(t, rec.ErrorDetail, "period_mismatch")
	assert.Empty(t, f.mailer.sent)
}

func TestProcessDeliveryFailure(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.mailer.err = errors.New("smtp down") })
	err := f.sched.Process(context.Background(), fiscal.DailyPeriod(day()))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "delivery"), err.Error())

	rec, gerr := f.store.Get(context.Background(), dailyKey())
	require.NoError(t, gerr)
	assert.Equal(t, StatusError, rec.Status)
}

func TestResendAfterDeliveryFailure(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.mailer.err = errors.New("smtp down") })
	ctx := context.Background()
	require.Error(t, f.sched.Process(ctx, fiscal.DailyPeriod(day())))

	// A failed period is never retried implicitly.
	require.NoError(t, f.sched.Process(ctx, fiscal.DailyPeriod(day())))
	assert.Empty(t, f.mailer.sent)

	f.mailer.err = nil
	require.NoError(t, f.sched.Resend(ctx, dailyKey()))

	rec, err := f.store.Get(ctx, dailyKey())
	require.NoError(t, err)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Len(t, f.mailer.sent, 1)
	assert.Equal(t, 1, rec.Sequence, "a resend keeps the original sequence number")
}

func TestResendRefusesNonErrorRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sched.Process(ctx, fiscal.DailyPeriod(day())))

	err := f.sched.Resend(ctx, dailyKey())
	assert.Error(t, err)

	err = f.sched.Resend(ctx, Key{PeriodKey: "D20000101", Kind: fiscal.KindDaily})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRunDailyMinimumGap(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.MinDailyGap = time.Hour
	ctx := context.Background()

	require.NoError(t, f.sched.RunDaily(ctx, day()))
	require.Len(t, f.mailer.sent, 1)

	// A second run inside the gap is suppressed before touching the store.
	require.NoError(t, f.sched.RunDaily(ctx, day().AddDate(0, 0, 1)))
	assert.Len(t, f.mailer.sent, 1)
	_, err := f.store.Get(ctx, Key{PeriodKey: "D20260315", Kind: fiscal.KindDaily})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRunEventsIsolatesFailures(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.source.events = []fiscal.Period{
			fiscal.EventPeriod("EV001", day()),
			fiscal.EventPeriod("EV002", day()),
		}
		f.source.aggErr = map[string]error{"EEV001": errors.New("aggregation failed")}
	})
	err := f.sched.RunEvents(context.Background())
	require.Error(t, err)

	bad, gerr := f.store.Get(context.Background(), Key{PeriodKey: "EEV001", Kind: fiscal.KindEvent})
	require.NoError(t, gerr)
	assert.Equal(t, StatusError, bad.Status)

	good, gerr := f.store.Get(context.Background(), Key{PeriodKey: "EEV002", Kind: fiscal.KindEvent})
	require.NoError(t, gerr)
	assert.Equal(t, StatusSent, good.Status, "one bad event must not block the rest")
	assert.Len(t, f.mailer.sent, 1)
}

func TestDisabledKindsAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.DailyEnabled = false
	require.NoError(t, f.sched.RunDaily(context.Background(), day()))
	assert.Empty(t, f.mailer.sent)
}
