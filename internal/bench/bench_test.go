package bench_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/go-tokend/internal/bench"
)

// ---------------------------------------------------------------------------
// Aggregation
// ---------------------------------------------------------------------------

func TestStats_MinMaxMean(t *testing.T) {
	durations := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
	}
	s := bench.ComputeStats(durations)

	if s.Min != 100*time.Millisecond {
		t.Errorf("want min=100ms, got %v", s.Min)
	}

	if s.Max != 300*time.Millisecond {
		t.Errorf("want max=300ms, got %v", s.Max)
	}

	if s.Mean != 200*time.Millisecond {
		t.Errorf("want mean=200ms, got %v", s.Mean)
	}
}

func TestStats_SingleRun(t *testing.T) {
	s := bench.ComputeStats([]time.Duration{150 * time.Millisecond})
	if s.Min != s.Max || s.Min != s.Mean {
		t.Errorf("single run: min/max/mean should all be equal, got min=%v max=%v mean=%v", s.Min, s.Max, s.Mean)
	}
}

func TestStats_Empty(t *testing.T) {
	if s := bench.ComputeStats(nil); s != (bench.Stats{}) {
		t.Errorf("empty input: want zero Stats, got %+v", s)
	}
}

func TestDurations_SkipCold(t *testing.T) {
	runs := []bench.RunResult{
		{Cold: true, Duration: 9 * time.Millisecond},
		{Duration: time.Millisecond},
		{Duration: 2 * time.Millisecond},
	}

	if got := bench.Durations(runs, false); len(got) != 3 {
		t.Errorf("Durations(all) len = %d; want 3", len(got))
	}

	got := bench.Durations(runs, true)
	if len(got) != 2 || got[0] != time.Millisecond {
		t.Errorf("Durations(skipCold) = %v", got)
	}

	// A lone cold run is kept.
	if got := bench.Durations(runs[:1], true); len(got) != 1 {
		t.Errorf("single cold run dropped: %v", got)
	}
}

// ---------------------------------------------------------------------------
// Throughput
// ---------------------------------------------------------------------------

func TestThroughput_Calculation(t *testing.T) {
	// 500 tokens in 250ms → 2000 tokens/s
	got := bench.CalcThroughput(500, 250*time.Millisecond)
	if got < 1999.9 || got > 2000.1 {
		t.Errorf("want 2000 tokens/s, got %.4f", got)
	}
}

func TestThroughput_ZeroDuration(t *testing.T) {
	if got := bench.CalcThroughput(10, 0); got != 0 {
		t.Errorf("want 0 for zero duration, got %.4f", got)
	}
}

func TestMeanThroughput_IgnoresColdRun(t *testing.T) {
	runs := []bench.RunResult{
		{Cold: true, TokensPerSec: 1},
		{TokensPerSec: 100},
		{TokensPerSec: 300},
	}
	if got := bench.MeanThroughput(runs); got != 200 {
		t.Errorf("MeanThroughput = %v; want 200", got)
	}

	if got := bench.MeanThroughput(nil); got != 0 {
		t.Errorf("MeanThroughput(nil) = %v; want 0", got)
	}
}

func TestThroughputThreshold(t *testing.T) {
	tests := []struct {
		name    string
		mean    float64
		minimum float64
		wantErr bool
	}{
		{"below", 500, 1000, true},
		{"above", 1500, 1000, false},
		{"exact", 1000, 1000, false},
		{"disabled", 1, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bench.CheckThroughputThreshold(tt.mean, tt.minimum)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckThroughputThreshold(%v, %v) = %v; wantErr %v", tt.mean, tt.minimum, err, tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Runners
// ---------------------------------------------------------------------------

func TestRun_MarksColdAndCountsTokens(t *testing.T) {
	var calls atomic.Int32
	op := func(context.Context) (int, error) {
		calls.Add(1)
		return 42, nil
	}

	runs, err := bench.Run(context.Background(), "count", 3, 100, op)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(runs) != 3 || calls.Load() != 3 {
		t.Fatalf("runs = %d, calls = %d; want 3", len(runs), calls.Load())
	}

	for i, r := range runs {
		if r.Index != i || r.Cold != (i == 0) || r.Tokens != 42 || r.Bytes != 100 {
			t.Errorf("run %d = %+v", i, r)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	if _, err := bench.Run(context.Background(), "count", 0, 0, nil); err == nil {
		t.Error("want error for zero runs")
	}

	boom := errors.New("boom")
	n := 0
	op := func(context.Context) (int, error) {
		n++
		if n == 2 {
			return 0, boom
		}
		return 1, nil
	}

	runs, err := bench.Run(context.Background(), "count", 5, 0, op)
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "run 2") {
		t.Fatalf("err = %v; want run 2 wrapping boom", err)
	}

	if len(runs) != 1 {
		t.Errorf("completed runs = %d; want 1", len(runs))
	}
}

func TestRunConcurrent(t *testing.T) {
	var calls atomic.Int32
	op := func(context.Context) (int, error) {
		calls.Add(1)
		return 7, nil
	}

	runs, err := bench.RunConcurrent(context.Background(), "encode", 4, 5, 10, op)
	if err != nil {
		t.Fatalf("RunConcurrent: %v", err)
	}

	if len(runs) != 20 || calls.Load() != 20 {
		t.Fatalf("runs = %d, calls = %d; want 20", len(runs), calls.Load())
	}

	cold := 0
	for i, r := range runs {
		if r.Index != i {
			t.Errorf("runs[%d].Index = %d", i, r.Index)
		}
		if r.Cold {
			cold++
		}
	}

	if cold != 1 {
		t.Errorf("cold runs = %d; want 1", cold)
	}
}

func TestRunConcurrent_ErrorStopsCallers(t *testing.T) {
	boom := errors.New("saturated")
	op := func(context.Context) (int, error) { return 0, boom }

	_, err := bench.RunConcurrent(context.Background(), "encode", 2, 3, 0, op)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v; want boom", err)
	}

	if _, err := bench.RunConcurrent(context.Background(), "encode", 0, 1, 0, op); err == nil {
		t.Error("want error for zero callers")
	}
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func TestFormatTable_ContainsHeaders(t *testing.T) {
	runs := []bench.RunResult{
		{Index: 0, Cold: true, Duration: 8 * time.Millisecond, Tokens: 100, TokensPerSec: 12500},
		{Index: 1, Cold: false, Duration: 5 * time.Millisecond, Tokens: 100, TokensPerSec: 20000},
	}
	stats := bench.ComputeStats([]time.Duration{8 * time.Millisecond, 5 * time.Millisecond})

	var buf strings.Builder
	bench.FormatTable(runs, stats, &buf)
	out := buf.String()

	for _, want := range []string{"run", "cold", "ms", "tokens/s", "20000"} {
		if !strings.Contains(strings.ToLower(out), want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatJSON_IsValidJSON(t *testing.T) {
	runs := []bench.RunResult{
		{Index: 0, Cold: true, Duration: 1500 * time.Microsecond, Tokens: 3, Bytes: 12, TokensPerSec: 2000},
	}
	stats := bench.ComputeStats([]time.Duration{1500 * time.Microsecond})

	var buf bytes.Buffer
	bench.FormatJSON(runs, stats, &buf)

	var out struct {
		Runs []struct {
			DurationMS float64 `json:"duration_ms"`
			Tokens     int     `json:"tokens"`
		} `json:"runs"`
		Stats struct {
			MeanMS float64 `json:"mean_ms"`
		} `json:"stats"`
	}

	err := json.Unmarshal(buf.Bytes(), &out)
	if err != nil {
		t.Fatalf("FormatJSON produced invalid JSON: %v\n%s", err, buf.String())
	}

	if len(out.Runs) != 1 || out.Runs[0].DurationMS != 1.5 || out.Runs[0].Tokens != 3 {
		t.Errorf("runs = %+v", out.Runs)
	}

	if out.Stats.MeanMS != 1.5 {
		t.Errorf("mean_ms = %v; want 1.5", out.Stats.MeanMS)
	}
}
