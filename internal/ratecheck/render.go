package ratecheck

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/NikhilSetiya/storyforge/pkg/ratelimit"
)

// Output formats
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// ParseFormat validates an output format name
func ParseFormat(s string) (string, error) {
	switch s {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", s)
	}
}

// WriteReport renders a simulation report
func WriteReport(w io.Writer, report *Report, format string) error {
	if format == FormatJSON {
		return writeJSON(w, report)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("%s: %d per %s per client, global %s",
		report.Class, report.Limit.Requests, report.Limit.Window, describeLimit(report.Global)))
	t.AppendHeader(table.Row{"#", "At", "Client", "Result", "Scope", "Remaining", "Retry After"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
	})

	for _, s := range report.Steps {
		retryAfter := "-"
		if !s.Decision.Admitted {
			retryAfter = strconv.Itoa(s.Decision.RetryAfterSeconds()) + "s"
		}
		t.AppendRow(table.Row{
			s.Index,
			"+" + s.Offset.String(),
			s.Client,
			resultLabel(s),
			string(s.Decision.Scope),
			s.Decision.Remaining,
			retryAfter,
		})
	}
	t.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d admitted", report.Admitted), fmt.Sprintf("%d rejected", report.Rejected), "", ""})
	t.Render()

	if len(report.Clients) > 1 {
		summary := table.NewWriter()
		summary.SetOutputMirror(w)
		summary.SetStyle(table.StyleRounded)
		summary.AppendHeader(table.Row{"Client", "Admitted", "Rejected"})
		for _, c := range report.Clients {
			summary.AppendRow(table.Row{c.Client, c.Admitted, c.Rejected})
		}
		summary.Render()
	}
	return nil
}

// WriteLimits renders the effective limit configuration
func WriteLimits(w io.Writer, cfg ratelimit.Config, format string) error {
	if format == FormatJSON {
		return writeJSON(w, cfg)
	}

	classes := make([]string, 0, len(cfg.Classes))
	for class := range cfg.Classes {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Bucket", "Requests", "Window"})
	t.AppendRow(table.Row{ratelimit.ClassDefault, cfg.Default.Requests, cfg.Default.Window})
	for _, class := range classes {
		l := cfg.Classes[class]
		t.AppendRow(table.Row{class, l.Requests, l.Window})
	}
	if cfg.Global.Enabled() {
		t.AppendRow(table.Row{"global", cfg.Global.Requests, cfg.Global.Window})
	} else {
		t.AppendRow(table.Row{"global", "disabled", "-"})
	}
	t.AppendFooter(table.Row{"allow-listed clients", len(cfg.AllowList), ""})
	t.Render()
	return nil
}

// WriteSnapshot renders the counters for one client
func WriteSnapshot(w io.Writer, counters []ratelimit.CounterSnapshot, now time.Time, format string) error {
	if format == FormatJSON {
		return writeJSON(w, counters)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Key", "Scope", "Count", "Limit", "Remaining", "Resets In"})
	for _, c := range counters {
		resetsIn := "-"
		if c.ResetAt.After(now) {
			resetsIn = c.ResetAt.Sub(now).Round(time.Second).String()
		}
		t.AppendRow(table.Row{c.Key, string(c.Scope), c.Count, c.Limit, c.Remaining, resetsIn})
	}
	t.Render()
	return nil
}

func resultLabel(s Step) string {
	switch {
	case s.Decision.Bypassed:
		return "bypassed"
	case s.Decision.Degraded:
		return "admitted (degraded)"
	case s.Decision.Admitted:
		return "admitted"
	default:
		return "REJECTED"
	}
}

func describeLimit(l ratelimit.Limit) string {
	if !l.Enabled() {
		return "disabled"
	}
	return fmt.Sprintf("%d per %s", l.Requests, l.Window)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
