// Package report renders scan reports for the CLI.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/solatis/scankeeper/internal/engine"
	"github.com/solatis/scankeeper/internal/types"
)

// Output formats accepted by Render.
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// verdictOrder fixes summary column order.
var verdictOrder = []types.Verdict{
	types.VerdictPass,
	types.VerdictFail,
	types.VerdictError,
	types.VerdictSkipped,
}

// Summary is the per-verdict tally of a report.
type Summary struct {
	Total       int                   `json:"total"`
	Counts      map[types.Verdict]int `json:"counts"`
	Unavailable []string              `json:"unavailable,omitempty"`
}

// Summarize tallies verdicts and lists rule sets that could not run.
func Summarize(r *engine.Report) Summary {
	s := Summary{Total: len(r.Results), Counts: r.Counts()}
	for _, run := range r.Runs {
		if run.Unavailable {
			s.Unavailable = append(s.Unavailable, run.Service)
		}
	}
	sort.Strings(s.Unavailable)
	return s
}

// Failed reports whether any result is FAIL or ERROR.
func (s Summary) Failed() bool {
	return s.Counts[types.VerdictFail] > 0 || s.Counts[types.VerdictError] > 0
}

// String renders "N results: PASS=a FAIL=b ERROR=c SKIPPED=d".
func (s Summary) String() string {
	parts := make([]string, 0, len(verdictOrder))
	for _, v := range verdictOrder {
		parts = append(parts, fmt.Sprintf("%s=%d", v, s.Counts[v]))
	}
	out := fmt.Sprintf("%d results: %s", s.Total, strings.Join(parts, " "))
	if len(s.Unavailable) > 0 {
		out += fmt.Sprintf(" (unavailable: %s)", strings.Join(s.Unavailable, ", "))
	}
	return out
}

// Render writes r to w in format.
func Render(w io.Writer, r *engine.Report, format string) error {
	switch format {
	case "", FormatTable:
		return RenderTable(w, r)
	case FormatJSON:
		return RenderJSON(w, r)
	default:
		return fmt.Errorf("unknown output format %q (want %s or %s)", format, FormatTable, FormatJSON)
	}
}

// RenderJSON writes the report and its summary as indented JSON.
func RenderJSON(w io.Writer, r *engine.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		*engine.Report
		Summary Summary `json:"summary"`
	}{r, Summarize(r)})
}

// RenderTable writes one row per result followed by the summary line.
// Results are sorted by service, rule and resource.
func RenderTable(w io.Writer, r *engine.Report) error {
	results := append([]types.CheckResult(nil), r.Results...)
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.ResourceID < b.ResourceID
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tRULE\tRESOURCE\tRESULT\tSEVERITY\tDETAIL")
	for _, res := range results {
		resource := res.ResourceID
		if resource == "" {
			resource = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			res.Service, res.RuleID, resource, res.Result, dash(res.Severity), detail(res))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, run := range r.Runs {
		if run.Unavailable {
			fmt.Fprintf(w, "\n%s unavailable: %s", run.Service, run.Error)
		}
	}
	_, err := fmt.Fprintf(w, "\n%s\n", Summarize(r))
	return err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// detail is the error for ERROR results, otherwise sorted evidence.
func detail(res types.CheckResult) string {
	if res.Error != "" {
		return res.Error
	}
	if len(res.Evidence) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(res.Evidence))
	for k := range res.Evidence {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, res.Evidence[k]))
	}
	return strings.Join(parts, " ")
}
