package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/nugget/dwell/internal/session"
)

// reportRow is one label's total for a stream.
type reportRow struct {
	Stream     session.Stream `json:"stream"`
	Label      string         `json:"label"`
	DurationMS int64          `json:"duration_ms"`
}

// runReport prints per-label totals of every stream for one local day.
func runReport(ctx context.Context, w io.Writer, configPath, day, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	from, err := reportDay(day, time.Now(), time.Local)
	if err != nil {
		return err
	}
	to := from.AddDate(0, 0, 1)

	store, err := session.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open session database %s: %w", cfg.DBPath(), err)
	}
	defer store.Close()

	rows, err := collectReport(ctx, store, from, to)
	if err != nil {
		return err
	}
	return writeReport(w, from, rows, outputFmt)
}

// reportDay parses YYYY-MM-DD in loc, defaulting to the day of now.
func reportDay(day string, now time.Time, loc *time.Location) (time.Time, error) {
	if day == "" {
		n := now.In(loc)
		return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, day, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q (expected YYYY-MM-DD)", day)
	}
	return t, nil
}

type totaler interface {
	Totals(ctx context.Context, stream session.Stream, from, to time.Time) (map[string]time.Duration, error)
}

func collectReport(ctx context.Context, src totaler, from, to time.Time) ([]reportRow, error) {
	var rows []reportRow
	for _, stream := range []session.Stream{session.StreamActivity, session.StreamCall, session.StreamMedia, session.StreamIdle} {
		totals, err := src.Totals(ctx, stream, from, to)
		if err != nil {
			return nil, err
		}
		start := len(rows)
		for label, d := range totals {
			rows = append(rows, reportRow{Stream: stream, Label: label, DurationMS: d.Milliseconds()})
		}
		slices.SortFunc(rows[start:], func(a, b reportRow) int {
			if c := cmp.Compare(b.DurationMS, a.DurationMS); c != 0 {
				return c
			}
			return cmp.Compare(a.Label, b.Label)
		})
	}
	return rows, nil
}

func writeReport(w io.Writer, day time.Time, rows []reportRow, outputFmt string) error {
	if outputFmt == "json" {
		if rows == nil {
			rows = []reportRow{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"day":    day.Format(time.DateOnly),
			"totals": rows,
		})
	}

	fmt.Fprintf(w, "dwell report for %s\n\n", day.Format(time.DateOnly))
	if len(rows) == 0 {
		fmt.Fprintln(w, "no sessions recorded")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tLABEL\tTIME")
	for _, r := range rows {
		d := time.Duration(r.DurationMS) * time.Millisecond
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Stream, r.Label, d.Round(time.Second))
	}
	return tw.Flush()
}
