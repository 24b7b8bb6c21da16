package fiscal

import (
	"bytes"
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assembled(t *testing.T, agg Aggregates) *Document {
	t.Helper()
	doc, err := Assemble("SYS001A", DailyPeriod(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)), 1, agg, testNow)
	require.NoError(t, err)
	return doc
}

func TestValidateCleanDocument(t *testing.T) {
	assert.Empty(t, Validate(assembled(t, sampleAggregates())))
}

func TestValidateDetectsTamperedPeriod(t *testing.T) {
	doc := assembled(t, sampleAggregates())
	doc.Body = bytes.Replace(doc.Body, []byte(`periodo="20260314"`), []byte(`periodo="20260315"`), 1)

	issues := Validate(doc)
	require.Len(t, issues, 1)
	assert.Equal(t, "period_mismatch", issues[0].Code)
	assert.False(t, Correctable(issues))
}

func TestValidateDetectsTamperedSystemID(t *testing.T) {
	doc := assembled(t, sampleAggregates())
	doc.Body = bytes.Replace(doc.Body, []byte(`codiceSistema="SYS001A"`), []byte(`codiceSistema="SYS999Z"`), 1)

	issues := Validate(doc)
	require.Len(t, issues, 1)
	assert.Equal(t, "system_mismatch", issues[0].Code)
}

func TestValidateDetectsKindMismatch(t *testing.T) {
	doc := assembled(t, sampleAggregates())
	doc.FileName = "RM_SYS001A_20260314.xml"

	found := false
	for _, i := range Validate(doc) {
		if i.Code == "kind_mismatch" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateBadFileName(t *testing.T) {
	doc := assembled(t, sampleAggregates())
	doc.FileName = "report.xml"

	issues := Validate(doc)
	require.NotEmpty(t, issues)
	assert.Equal(t, "filename_format", issues[0].Code)
}

func TestValidateNonAdditiveTotals(t *testing.T) {
	agg := sampleAggregates()
	agg.TicketsIssued = 99
	doc := assembled(t, agg)

	issues := Validate(doc)
	require.Len(t, issues, 1)
	assert.Equal(t, "totals_not_additive", issues[0].Code)
	assert.False(t, issues[0].Correctable)
}

func TestValidateMissingGenreIsCorrectable(t *testing.T) {
	agg := sampleAggregates()
	agg.Events[0].GenreCode = ""
	doc := assembled(t, agg)

	issues := Validate(doc)
	require.Len(t, issues, 1)
	assert.Equal(t, "missing_genre", issues[0].Code)
	assert.True(t, Correctable(issues))
}

func TestAutoCorrectFillsDefaultGenre(t *testing.T) {
	agg := sampleAggregates()
	agg.Events[0].GenreCode = ""
	agg.Events[1].GenreCode = ""
	doc := assembled(t, agg)

	fixed, remaining, err := AutoCorrect(doc)
	require.NoError(t, err)
	assert.Equal(t, 2, fixed)
	assert.Empty(t, remaining)

	var rep reportXML
	require.NoError(t, xml.Unmarshal(doc.Body, &rep))
	assert.Equal(t, DefaultGenreCode, rep.Events[0].GenreCode)
	assert.Equal(t, DefaultGenreCode, rep.Events[1].GenreCode)

	// The corrected document must pass validation outright.
	assert.Empty(t, Validate(doc))
}

func TestAutoCorrectLeavesHardIssuesAlone(t *testing.T) {
	agg := sampleAggregates()
	agg.Events[0].GenreCode = ""
	agg.GrossCents = 1
	doc := assembled(t, agg)
	before := string(doc.Body)

	fixed, remaining, err := AutoCorrect(doc)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	require.Len(t, remaining, 1)
	assert.Equal(t, "totals_not_additive", remaining[0].Code)
	assert.NotEqual(t, before, string(doc.Body))
}

func TestAutoCorrectNoopOnCleanDocument(t *testing.T) {
	doc := assembled(t, sampleAggregates())
	before := string(doc.Body)

	fixed, remaining, err := AutoCorrect(doc)
	require.NoError(t, err)
	assert.Zero(t, fixed)
	assert.Empty(t, remaining)
	assert.Equal(t, before, string(doc.Body))
}
