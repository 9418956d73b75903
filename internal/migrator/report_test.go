package migrator

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() *Report {
	return &Report{
		RunID:       "run-1",
		Plan:        "funding",
		Fingerprint: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		Results: []StepResult{
			{Name: "add funding_status", Kind: KindAddColumn, Outcome: OutcomeApplied, Idempotent: true, DurationMS: 12},
			{Name: "add gender", Kind: KindAddColumn, Outcome: OutcomeSkipped, Idempotent: true},
			{Name: "drop fk", Kind: KindDropForeignKey, Outcome: OutcomeFailed, Idempotent: true, Error: "step \"drop fk\": denied"},
			{Name: "seed", Kind: KindSQL, Outcome: OutcomeApplied},
		},
	}
}

func TestCountsAndLookup(t *testing.T) {
	rep := sampleReport()
	c := rep.Counts()
	assert.Equal(t, Counts{Applied: 2, Skipped: 1, Failed: 1}, c)
	assert.Equal(t, 4, c.Total())
	assert.True(t, rep.Failed())

	res, ok := rep.Result("drop fk")
	require.True(t, ok)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	_, ok = rep.Result("missing")
	assert.False(t, ok)
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleReport().WriteText(&buf))
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")

	assert.Equal(t, "plan funding  run run-1  sha ba7816bf8f01", lines[0])
	assert.Contains(t, lines[1], "applied")
	assert.Contains(t, lines[1], "add funding_status")
	assert.Contains(t, out, "     error: step \"drop fk\": denied\n")
	assert.Contains(t, out, "[not idempotent]")
	assert.Equal(t, "applied=2 skipped=1 failed=1 total=4", lines[len(lines)-1])
}

func TestWriteTextShowsPlannedSQL(t *testing.T) {
	rep := &Report{RunID: "r", DryRun: true, Results: []StepResult{
		{Name: "a", Kind: KindCreateTable, Outcome: OutcomePlanned, Idempotent: true, SQL: "CREATE TABLE x (\n  id INT\n)"},
	}}
	var buf bytes.Buffer
	require.NoError(t, rep.WriteText(&buf))
	assert.Contains(t, buf.String(), "(dry run)")
	assert.Contains(t, buf.String(), "sql: CREATE TABLE x ( id INT )")
	assert.Contains(t, buf.String(), "planned=1")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleReport().WriteJSON(&buf))
	var got struct {
		RunID   string       `json:"run_id"`
		Results []StepResult `json:"results"`
		Counts  Counts       `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Len(t, got.Results, 4)
	assert.Equal(t, 1, got.Counts.Failed)
	assert.Equal(t, OutcomeSkipped, got.Results[1].Outcome)
}
