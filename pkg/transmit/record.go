// Package transmit drives the fiscal report pipeline: assemble a report for
// a period, validate it, obtain a card signature, and deliver it to the
// authority's inbox by mail, exactly once per period.
package transmit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventotech/fiscalbridge/pkg/fiscal"
)

// Status is a transmission record's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusSigned  Status = "signed"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

// Key identifies one transmission obligation. One record ever exists per
// key; that is the idempotency guarantee.
type Key struct {
	PeriodKey string
	Kind      fiscal.ReportKind
}

// Record is the persisted state of one transmission.
type Record struct {
	ID              uuid.UUID
	Key             Key
	Sequence        int
	SystemID        string
	FileName        string
	Body            []byte
	SignatureFormat fiscal.SignatureFormat
	Signature       []byte
	Status          Status
	ErrorDetail     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SentAt          time.Time
}

// ErrRecordNotFound is returned by Get and Resend for unknown records.
var ErrRecordNotFound = errors.New("transmission record not found")

// Store persists transmission records. Begin is the idempotency gate: it
// atomically either creates a pending record for the key, assigning the next
// sequence number, or returns the existing one with created=false. Check
// then create as two calls would race.
type Store interface {
	Begin(ctx context.Context, key Key) (rec *Record, created bool, err error)
	Update(ctx context.Context, rec *Record) error
	Get(ctx context.Context, key Key) (*Record, error)
	List(ctx context.Context, kind fiscal.ReportKind) ([]*Record, error)
	LastSent(ctx context.Context, kind fiscal.ReportKind) (time.Time, bool, error)
}

// MemoryStore is the in-process Store used by tests and single-node
// deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]*Record
	nextSeq map[fiscal.ReportKind]int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Key]*Record),
		nextSeq: make(map[fiscal.ReportKind]int),
	}
}

func (s *MemoryStore) Begin(_ context.Context, key Key) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		return cloneRecord(rec), false, nil
	}
	s.nextSeq[key.Kind]++
	now := time.Now()
	rec := &Record{
		ID:        uuid.New(),
		Key:       key,
		Sequence:  s.nextSeq[key.Kind],
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[key] = rec
	return cloneRecord(rec), true, nil
}

func (s *MemoryStore) Update(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key]; !ok {
		return ErrRecordNotFound
	}
	cp := cloneRecord(rec)
	cp.UpdatedAt = time.Now()
	s.records[rec.Key] = cp
	rec.UpdatedAt = cp.UpdatedAt
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key Key) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) List(_ context.Context, kind fiscal.ReportKind) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.Key.Kind == kind {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func (s *MemoryStore) LastSent(_ context.Context, kind fiscal.ReportKind) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	found := false
	for _, rec := range s.records {
		if rec.Key.Kind == kind && rec.Status == StatusSent && rec.SentAt.After(last) {
			last = rec.SentAt
			found = true
		}
	}
	return last, found, nil
}

func cloneRecord(rec *Record) *Record {
	cp := *rec
	cp.Body = append([]byte(nil), rec.Body...)
	cp.Signature = append([]byte(nil), rec.Signature...)
	return &cp
}
