package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/dwell/internal/config"
	"github.com/nugget/dwell/internal/session"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: dwell") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"--bogus"}, "unknown flag"},
		{[]string{"launch"}, "unknown command"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		err := run(context.Background(), &out, &out, tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
		}
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run error: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out.String())
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_VersionText(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "dwell ") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dwell")
	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	path := filepath.Join(dir, "config.yaml")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load generated config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("generated config invalid: %v", err)
	}
	if len(cfg.Classify.Rules) == 0 || len(cfg.Calls.Targets) == 0 {
		t.Error("generated config lacks default rules or call targets")
	}

	// A second run leaves user edits alone.
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("second runInit: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "log_level: debug\n" {
		t.Errorf("config overwritten: %q", data)
	}
	if !strings.Contains(out.String(), "left unchanged") {
		t.Errorf("output = %q", out.String())
	}
}

func TestReportDay(t *testing.T) {
	now := time.Date(2030, 1, 2, 23, 30, 0, 0, time.UTC)
	got, err := reportDay("", now, time.UTC)
	if err != nil || !got.Equal(time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("reportDay(\"\") = %v, %v", got, err)
	}
	if _, err := reportDay("Jan 2", now, time.UTC); err == nil {
		t.Error("reportDay accepted a malformed day")
	}
}

func TestRun_Report(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("data_dir: "+dir+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	store, err := session.Open(filepath.Join(dir, "dwell.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2030, 1, 2, 10, 0, 0, 0, time.Local)
	rows := []session.Session{
		{Stream: session.StreamActivity, Label: "Terminal", StartedAt: base, EndedAt: base.Add(40 * time.Minute)},
		{Stream: session.StreamActivity, Label: "Safari", StartedAt: base.Add(40 * time.Minute), EndedAt: base.Add(50 * time.Minute)},
		{Stream: session.StreamCall, Label: "Zoom", StartedAt: base, EndedAt: base.Add(30 * time.Minute)},
		// Next day; excluded.
		{Stream: session.StreamActivity, Label: "Mail", StartedAt: base.AddDate(0, 0, 1), EndedAt: base.AddDate(0, 0, 1).Add(time.Minute)},
	}
	for _, r := range rows {
		if _, err := store.Insert(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	store.Close()

	var out bytes.Buffer
	if err := run(ctx, &out, &out, []string{"-config", cfgPath, "-o", "json", "report", "2030-01-02"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	var body struct {
		Day    string      `json:"day"`
		Totals []reportRow `json:"totals"`
	}
	if err := json.Unmarshal(out.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	want := []reportRow{
		{Stream: session.StreamActivity, Label: "Terminal", DurationMS: (40 * time.Minute).Milliseconds()},
		{Stream: session.StreamActivity, Label: "Safari", DurationMS: (10 * time.Minute).Milliseconds()},
		{Stream: session.StreamCall, Label: "Zoom", DurationMS: (30 * time.Minute).Milliseconds()},
	}
	if body.Day != "2030-01-02" || len(body.Totals) != len(want) {
		t.Fatalf("body = %+v", body)
	}
	for i := range want {
		if body.Totals[i] != want[i] {
			t.Errorf("totals[%d] = %+v, want %+v", i, body.Totals[i], want[i])
		}
	}

	out.Reset()
	if err := run(ctx, &out, &out, []string{"-config", cfgPath, "report", "2030-01-02"}); err != nil {
		t.Fatalf("text report: %v", err)
	}
	if !strings.Contains(out.String(), "Terminal") || !strings.Contains(out.String(), "40m0s") {
		t.Errorf("text report:\n%s", out.String())
	}
}

func TestTrackerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Tracking.IdleStartSec = 120
	tc := trackerConfig(cfg)
	if tc.Idle.StartThreshold != 2*time.Minute {
		t.Errorf("idle start = %v, want 2m", tc.Idle.StartThreshold)
	}
	if tc.Window.SelfApp != "dwell" || tc.Window.Interval != 5*time.Second {
		t.Errorf("window = %+v", tc.Window)
	}
	if len(tc.Call.Targets) == 0 {
		t.Error("call targets not carried over")
	}
}
