package migrator

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mirajehossain/evolvex/internal/checksum"
)

// Report collects one StepResult per declared step, in declaration order.
type Report struct {
	RunID       string       `json:"run_id"`
	Plan        string       `json:"plan,omitempty"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	DryRun      bool         `json:"dry_run"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Results     []StepResult `json:"results"`
}

type Counts struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Planned int `json:"planned"`
}

func (c Counts) Total() int { return c.Applied + c.Skipped + c.Failed + c.Planned }

func (r *Report) add(res StepResult) { r.Results = append(r.Results, res) }

func (r *Report) Counts() Counts {
	var c Counts
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeApplied:
			c.Applied++
		case OutcomeSkipped:
			c.Skipped++
		case OutcomeFailed:
			c.Failed++
		case OutcomePlanned:
			c.Planned++
		}
	}
	return c
}

// Failed reports whether any step failed; the CLI exit code follows it.
func (r *Report) Failed() bool { return r.Counts().Failed > 0 }

func (r *Report) Result(name string) (StepResult, bool) {
	for _, res := range r.Results {
		if res.Name == name {
			return res, true
		}
	}
	return StepResult{}, false
}

func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	title := r.Plan
	if title == "" {
		title = "(inline)"
	}
	fmt.Fprintf(&b, "plan %s  run %s", title, r.RunID)
	if r.Fingerprint != "" {
		fmt.Fprintf(&b, "  sha %s", checksum.Short(r.Fingerprint))
	}
	if r.DryRun {
		b.WriteString("  (dry run)")
	}
	b.WriteByte('\n')
	for i, res := range r.Results {
		fmt.Fprintf(&b, "%3d. %-8s %-16s %-40s %5dms", i+1, res.Outcome, res.Kind, res.Name, res.DurationMS)
		if !res.Idempotent {
			b.WriteString("  [not idempotent]")
		}
		b.WriteByte('\n')
		if res.Error != "" {
			fmt.Fprintf(&b, "     error: %s\n", res.Error)
		}
		if res.Outcome == OutcomePlanned && res.SQL != "" {
			fmt.Fprintf(&b, "     sql: %s\n", oneLine(res.SQL))
		}
	}
	c := r.Counts()
	fmt.Fprintf(&b, "applied=%d skipped=%d failed=%d", c.Applied, c.Skipped, c.Failed)
	if c.Planned > 0 {
		fmt.Fprintf(&b, " planned=%d", c.Planned)
	}
	fmt.Fprintf(&b, " total=%d\n", c.Total())
	_, err := io.WriteString(w, b.String())
	return err
}

func (r *Report) WriteJSON(w io.Writer) error {
	payload := struct {
		*Report
		Counts Counts `json:"counts"`
	}{r, r.Counts()}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func oneLine(s string) string { return strings.Join(strings.Fields(s), " ") }
