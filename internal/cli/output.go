package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-runewidth"
	"github.com/qaflow-labs/qaflow-go/internal/contextsvc"
	"github.com/qaflow-labs/qaflow-go/internal/domain"
	"github.com/qaflow-labs/qaflow-go/internal/execution/queue"
	"github.com/qaflow-labs/qaflow-go/internal/push"
	"gopkg.in/yaml.v3"
)

type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// String, Set and Type make OutputFormat a pflag.Value.
func (f *OutputFormat) String() string { return string(*f) }

func (f *OutputFormat) Set(v string) error {
	switch OutputFormat(strings.ToLower(v)) {
	case OutputTable, OutputJSON, OutputYAML:
		*f = OutputFormat(strings.ToLower(v))
		return nil
	default:
		return fmt.Errorf("must be one of table, json, yaml")
	}
}

func (f *OutputFormat) Type() string { return "format" }

// Renderer writes API results in the selected format.
type Renderer struct {
	Out    io.Writer
	Format OutputFormat
	Now    func() time.Time
}

func (r *Renderer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// structured handles json and yaml; it reports false for table output.
func (r *Renderer) structured(v any) (bool, error) {
	switch r.Format {
	case OutputJSON:
		enc := json.NewEncoder(r.Out)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case OutputYAML:
		// Round trip through JSON so field names match the API.
		raw, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return true, err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return true, err
		}
		_, err = r.Out.Write(out)
		return true, err
	default:
		return false, nil
	}
}

type tableWriter struct {
	out io.Writer
	t   *table.Table
}

func (r *Renderer) table(headers ...string) *tableWriter {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderRow(false).
		Headers(headers...)
	return &tableWriter{out: r.Out, t: t}
}

func (tw *tableWriter) row(cells ...any) {
	row := make([]string, len(cells))
	for i, c := range cells {
		row[i] = fmt.Sprint(c)
	}
	tw.t.Row(row...)
}

func (tw *tableWriter) render() {
	fmt.Fprintln(tw.out, tw.t.Render())
}

func (r *Renderer) Admission(a queue.Admission) error {
	if ok, err := r.structured(a); ok {
		return err
	}
	fmt.Fprintf(r.Out, "%s %s", a.ExecutionID, statusText(a.Status))
	if a.Status == domain.StatusQueued {
		fmt.Fprintf(r.Out, " (position %d)", a.QueuePosition)
	}
	fmt.Fprintln(r.Out)
	if a.Warning != "" {
		fmt.Fprintln(r.Out, color.New(color.FgYellow).Sprint("warning: "+a.Warning))
	}
	return nil
}

func (r *Renderer) Handle(h domain.ExecutionHandle) error {
	if ok, err := r.structured(h); ok {
		return err
	}
	return r.Executions(ExecutionList{Executions: []domain.ExecutionHandle{h}}, false)
}

// Executions prints one row per handle, plus the summary line when
// withSummary is set.
func (r *Renderer) Executions(list ExecutionList, withSummary bool) error {
	if ok, err := r.structured(list); ok {
		return err
	}
	t := r.table("ID", "FRAMEWORK", "STATUS", "POS", "SUBMITTED", "DURATION", "SELECTORS")
	for _, h := range list.Executions {
		pos := ""
		if h.Status == domain.StatusQueued {
			pos = fmt.Sprint(h.QueuePosition)
		}
		t.row(
			h.ID, h.FrameworkID, statusText(h.Status), pos,
			humanize.RelTime(h.SubmittedAt, r.now(), "ago", "from now"),
			duration(h),
			strings.Join(h.TestSelectors, " "),
		)
	}
	t.render()
	if withSummary {
		s := list.Summary
		fmt.Fprintf(r.Out, "%d total: %d running, %d queued, %d completed, %d failed, %d cancelled\n",
			s.Total, s.Running, s.Queued, s.Completed, s.Failed, s.Cancelled)
	}
	return nil
}

func (r *Renderer) BatchResults(results []contextsvc.BatchResult) error {
	if ok, err := r.structured(results); ok {
		return err
	}
	t := r.table("#", "ID", "RESULT")
	for i, res := range results {
		outcome := color.New(color.FgGreen).Sprint("stored")
		switch {
		case res.Error != "":
			outcome = color.New(color.FgRed).Sprint(res.Error)
		case res.Deduplicated:
			outcome = color.New(color.FgYellow).Sprint("duplicate")
		}
		t.row(i, res.ID, outcome)
	}
	t.render()
	return nil
}

func (r *Renderer) Events(events []domain.Event) error {
	if ok, err := r.structured(map[string]any{"events": events}); ok {
		return err
	}
	t := r.table("ID", "TYPE", "WHEN", "PROJECT", "IMP", "TAGS", "SUMMARY")
	for _, e := range events {
		t.row(
			e.ID, e.Type, humanize.RelTime(e.Timestamp, r.now(), "ago", "from now"),
			e.Project+"@"+e.Branch, e.Importance, strings.Join(e.Tags, ","), truncate(e.Text(), 60),
		)
	}
	t.render()
	return nil
}

func (r *Renderer) Pack(p domain.ContextPack) error {
	if ok, err := r.structured(p); ok {
		return err
	}
	fmt.Fprintf(r.Out, "pack %s  policy %s v%d  %s/%s tokens  %d candidates\n",
		shortID(p.PackID), p.PolicyID, p.PolicyVersion,
		humanize.Comma(int64(p.TotalTokens)), humanize.Comma(int64(p.BudgetTokens)), p.CandidateCount)
	if p.Degraded {
		fmt.Fprintln(r.Out, color.New(color.FgYellow).Sprint("degraded: semantic ranking unavailable"))
	}
	t := r.table("#", "EVENT", "TYPE", "SCORE", "TOKENS", "CONTENT")
	for i, it := range p.Items {
		id := it.EventID
		if it.Pinned {
			id = color.New(color.FgMagenta).Sprint(id + " *")
		}
		t.row(i+1, id, it.Type, fmt.Sprintf("%.3f", it.Score), it.Tokens, truncate(it.Content, 60))
	}
	t.render()
	if len(p.Omitted) > 0 {
		fmt.Fprintf(r.Out, "omitted (over budget): %s\n", strings.Join(p.Omitted, ", "))
	}
	return nil
}

func (r *Renderer) Policies(policies []domain.Policy) error {
	if ok, err := r.structured(map[string]any{"policies": policies}); ok {
		return err
	}
	t := r.table("ID", "VERSION", "UPDATED", "WEIGHTS", "ALWAYS INCLUDE")
	for _, p := range policies {
		w := p.Weights
		updated := ""
		if !p.UpdatedAt.IsZero() {
			updated = humanize.RelTime(p.UpdatedAt, r.now(), "ago", "from now")
		}
		t.row(
			p.ID, p.Version, updated,
			fmt.Sprintf("pin=%g imp=%g sem=%g rec=%g", w.Pinned, w.Importance, w.Semantic, w.Recency),
			strings.Join(p.AlwaysInclude, ","),
		)
	}
	t.render()
	return nil
}

func (r *Renderer) Health(h map[string]any) error {
	if ok, err := r.structured(h); ok {
		return err
	}
	status, _ := h["status"].(string)
	var c *color.Color
	switch status {
	case "ok":
		c = color.New(color.FgGreen)
	case "degraded":
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.FgRed)
	}
	fmt.Fprintf(r.Out, "status: %s\n", c.Sprint(status))
	for _, key := range []string{"eventCount", "indexSize", "avgRetrievalMs", "semanticAvailable"} {
		if v, ok := h[key]; ok {
			fmt.Fprintf(r.Out, "%s: %v\n", key, v)
		}
	}
	if q, ok := h["queue"].(map[string]any); ok {
		fmt.Fprintf(r.Out, "queue: %v running, %v queued, %v total\n", q["running"], q["queued"], q["total"])
	}
	return nil
}

// Frame prints one push frame as a single line.
func (r *Renderer) Frame(f push.Frame) error {
	if r.Format != OutputTable {
		enc := json.NewEncoder(r.Out)
		return enc.Encode(f)
	}
	at := f.SentAt.Local().Format(time.TimeOnly)
	if f.Type == push.FrameAck {
		fmt.Fprintf(r.Out, "%s connected to %s as %s\n", at, f.Channel, f.ClientID)
		return nil
	}
	if f.Message == nil {
		return nil
	}
	marker := ""
	if f.Replay {
		marker = color.New(color.Faint).Sprint(" (replay)")
	}
	fmt.Fprintf(r.Out, "%s %s%s %s\n", at, f.Message.Type, marker, frameSummary(f.Message.Payload))
	return nil
}

func frameSummary(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	if exec, ok := m["execution"].(map[string]any); ok {
		s := fmt.Sprintf("%v %v", exec["executionId"], exec["frameworkId"])
		if status, ok := m["to"].(string); ok {
			s += " " + statusText(domain.ExecutionStatus(status))
		}
		return s
	}
	if id, ok := m["id"]; ok {
		return fmt.Sprintf("%v %v", id, m["project"])
	}
	return ""
}

func statusText(s domain.ExecutionStatus) string {
	switch s {
	case domain.StatusCompleted:
		return color.New(color.FgGreen).Sprint(s)
	case domain.StatusFailed:
		return color.New(color.FgRed).Sprint(s)
	case domain.StatusRunning:
		return color.New(color.FgCyan).Sprint(s)
	case domain.StatusCancelled:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return string(s)
	}
}

func duration(h domain.ExecutionHandle) string {
	if h.Result != nil && h.Result.DurationMs > 0 {
		return (time.Duration(h.Result.DurationMs) * time.Millisecond).String()
	}
	if h.StartedAt != nil && h.EndedAt != nil {
		return h.EndedAt.Sub(*h.StartedAt).Round(time.Millisecond).String()
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, n, "…")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
