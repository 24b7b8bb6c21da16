package fiscal

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
)

// Issue is one validation finding. Correctable issues are the ones
// AutoCorrect knows a provably safe fix for; everything else blocks
// transmission outright.
type Issue struct {
	Code        string
	Field       string
	Message     string
	Correctable bool
}

func (i Issue) String() string {
	return fmt.Sprintf("%s(%s): %s", i.Code, i.Field, i.Message)
}

// JoinIssues renders findings for a record's error detail.
func JoinIssues(issues []Issue) string {
	parts := make([]string, len(issues))
	for n, i := range issues {
		parts[n] = i.String()
	}
	return strings.Join(parts, "; ")
}

var fileNamePattern = regexp.MustCompile(`^(RG|RM|RE)_([A-Z0-9]+)_(\d{6,8})(?:_(\d+))?\.xml$`)

// Validate checks a document for structural defects and cross-field
// consistency. The system identifier and period are re-derived independently
// from the file name and from the body; the authority rejects on exactly
// this class of mismatch, and a rejected-then-quietly-retried document is
// worse than a blocked one, so any disagreement is a hard stop upstream.
func Validate(doc *Document) []Issue {
	var issues []Issue

	m := fileNamePattern.FindStringSubmatch(doc.FileName)
	if m == nil {
		issues = append(issues, Issue{Code: "filename_format", Field: "fileName",
			Message: fmt.Sprintf("file name %q does not match the required pattern", doc.FileName)})
	}

	var rep reportXML
	if err := xml.Unmarshal(doc.Body, &rep); err != nil {
		issues = append(issues, Issue{Code: "body_parse", Field: "body",
			Message: "body is not well-formed XML: " + err.Error()})
		return issues
	}

	if rep.SystemID == "" {
		issues = append(issues, Issue{Code: "missing_field", Field: "codiceSistema",
			Message: "system identifier missing from body"})
	} else if !systemIDPattern.MatchString(rep.SystemID) {
		issues = append(issues, Issue{Code: "invalid_field", Field: "codiceSistema",
			Message: fmt.Sprintf("system identifier %q has invalid format", rep.SystemID)})
	}
	if rep.Period == "" {
		issues = append(issues, Issue{Code: "missing_field", Field: "periodo",
			Message: "reporting period missing from body"})
	}
	if rep.Kind == "" {
		issues = append(issues, Issue{Code: "missing_field", Field: "tipoRiepilogo",
			Message: "report kind missing from body"})
	}

	if m != nil {
		prefixKind := map[string]ReportKind{"RG": KindDaily, "RM": KindMonthly, "RE": KindEvent}[m[1]]
		if rep.Kind != "" && ReportKind(rep.Kind) != prefixKind {
			issues = append(issues, Issue{Code: "kind_mismatch", Field: "tipoRiepilogo",
				Message: fmt.Sprintf("file name says %s, body says %s", prefixKind, rep.Kind)})
		}
		if rep.SystemID != "" && rep.SystemID != m[2] {
			issues = append(issues, Issue{Code: "system_mismatch", Field: "codiceSistema",
				Message: fmt.Sprintf("file name encodes system %q, body encodes %q", m[2], rep.SystemID)})
		}
		if rep.Period != "" && rep.Period != m[3] {
			issues = append(issues, Issue{Code: "period_mismatch", Field: "periodo",
				Message: fmt.Sprintf("file name encodes period %q, body encodes %q", m[3], rep.Period)})
		}
	}

	issues = append(issues, validateTotals(&rep)...)
	return issues
}

func validateTotals(rep *reportXML) []Issue {
	var issues []Issue

	if rep.Totals.TicketsIssued < 0 || rep.Totals.TicketsCancelled < 0 || rep.Totals.GrossCents < 0 {
		issues = append(issues, Issue{Code: "negative_total", Field: "Totali",
			Message: "totals must be non-negative"})
	}

	if len(rep.Events) > 0 {
		var issued, cancelled int
		var gross int64
		for n, ev := range rep.Events {
			if ev.TicketsIssued < 0 || ev.TicketsCancelled < 0 || ev.GrossCents < 0 {
				issues = append(issues, Issue{Code: "negative_total",
					Field: fmt.Sprintf("Evento[%d]", n), Message: "event totals must be non-negative"})
			}
			if ev.EventID == "" {
				issues = append(issues, Issue{Code: "missing_field",
					Field: fmt.Sprintf("Evento[%d].codiceEvento", n), Message: "event code missing"})
			}
			if ev.GenreCode == "" {
				issues = append(issues, Issue{Code: "missing_genre",
					Field:   fmt.Sprintf("Evento[%d].tipoGenere", n),
					Message: "genre code missing", Correctable: true})
			}
			issued += ev.TicketsIssued
			cancelled += ev.TicketsCancelled
			gross += ev.GrossCents
		}
		if issued != rep.Totals.TicketsIssued || cancelled != rep.Totals.TicketsCancelled || gross != rep.Totals.GrossCents {
			issues = append(issues, Issue{Code: "totals_not_additive", Field: "Totali",
				Message: fmt.Sprintf("totals (%d/%d/%d) disagree with event sums (%d/%d/%d)",
					rep.Totals.TicketsIssued, rep.Totals.TicketsCancelled, rep.Totals.GrossCents,
					issued, cancelled, gross)})
		}
	}

	return issues
}

// Correctable reports whether every issue in the list has a known-safe fix.
func Correctable(issues []Issue) bool {
	for _, i := range issues {
		if !i.Correctable {
			return false
		}
	}
	return len(issues) > 0
}

// AutoCorrect applies known-safe fixes in place and returns how many it
// made plus the issues it refused to touch. Today the only safe fix is
// substituting the default genre code for a missing one; anything whose fix
// cannot be proven safe is surfaced instead of guessed at.
func AutoCorrect(doc *Document) (int, []Issue, error) {
	issues := Validate(doc)
	if len(issues) == 0 {
		return 0, nil, nil
	}

	var remaining []Issue
	fixGenre := false
	for _, i := range issues {
		if i.Correctable && i.Code == "missing_genre" {
			fixGenre = true
			continue
		}
		remaining = append(remaining, i)
	}
	if !fixGenre {
		return 0, remaining, nil
	}

	var rep reportXML
	if err := xml.Unmarshal(doc.Body, &rep); err != nil {
		return 0, remaining, fmt.Errorf("reparse body for correction: %w", err)
	}
	fixed := 0
	for n := range rep.Events {
		if rep.Events[n].GenreCode == "" {
			rep.Events[n].GenreCode = DefaultGenreCode
			fixed++
		}
	}

	body, err := xml.MarshalIndent(&rep, "", "  ")
	if err != nil {
		return 0, remaining, fmt.Errorf("remarshal corrected body: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(body)
	buf.WriteByte('\n')
	doc.Body = buf.Bytes()

	return fixed, remaining, nil
}
