// Package bench provides benchmarking primitives for the tokend bench command.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/pprof"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// Op is one timed tokenizer call. It returns the number of tokens produced.
type Op func(ctx context.Context) (int, error)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing and token count for a single run.
type RunResult struct {
	Index    int
	Cold     bool // true for the first run (cold-start)
	Duration time.Duration
	Tokens   int
	Bytes    int
	// TokensPerSec is Tokens over Duration.
	TokensPerSec float64
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
// The slice must be non-empty.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}
	mn, mx := durations[0], durations[0]
	var sum time.Duration
	for _, d := range durations {
		if d < mn {
			mn = d
		}
		if d > mx {
			mx = d
		}
		sum += d
	}
	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// Durations extracts the per-run durations, optionally skipping the cold run.
func Durations(runs []RunResult, skipCold bool) []time.Duration {
	out := make([]time.Duration, 0, len(runs))
	for _, r := range runs {
		if skipCold && r.Cold && len(runs) > 1 {
			continue
		}
		out = append(out, r.Duration)
	}
	return out
}

// ---------------------------------------------------------------------------
// Throughput helpers
// ---------------------------------------------------------------------------

// CalcThroughput returns tokens per second.
// Returns 0 if d is zero to avoid division by zero.
func CalcThroughput(tokens int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(tokens) / d.Seconds()
}

// MeanThroughput returns the mean tokens/sec over runs, skipping the cold
// run when there is more than one.
func MeanThroughput(runs []RunResult) float64 {
	var sum float64
	n := 0
	for _, r := range runs {
		if r.Cold && len(runs) > 1 {
			continue
		}
		sum += r.TokensPerSec
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// CheckThroughputThreshold returns an error if mean < minimum.
// A minimum of 0 disables the gate.
func CheckThroughputThreshold(mean, minimum float64) error {
	if minimum <= 0 {
		return nil
	}
	if mean < minimum {
		return fmt.Errorf("mean throughput %.0f tokens/s below threshold %.0f", mean, minimum)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Runners
// ---------------------------------------------------------------------------

// Run calls op n times in sequence. The first run is marked cold. Each call
// runs under a pprof "op" label so CPU profiles separate by operation.
func Run(ctx context.Context, label string, n, inputBytes int, op Op) ([]RunResult, error) {
	if n < 1 {
		return nil, fmt.Errorf("runs must be >= 1, got %d", n)
	}
	runs := make([]RunResult, 0, n)
	for i := range n {
		r, err := timed(ctx, label, op)
		if err != nil {
			return runs, fmt.Errorf("run %d: %w", i+1, err)
		}
		r.Index = i
		r.Cold = i == 0
		r.Bytes = inputBytes
		runs = append(runs, r)
	}
	return runs, nil
}

// RunConcurrent starts callers goroutines that each call op perCaller times
// and returns one result per call in completion order. The first error
// cancels the remaining calls.
func RunConcurrent(ctx context.Context, label string, callers, perCaller, inputBytes int, op Op) ([]RunResult, error) {
	if callers < 1 || perCaller < 1 {
		return nil, fmt.Errorf("callers and runs must be >= 1, got %d and %d", callers, perCaller)
	}

	var (
		mu   sync.Mutex
		runs = make([]RunResult, 0, callers*perCaller)
	)
	p := pool.New().WithMaxGoroutines(callers).WithContext(ctx).WithCancelOnError()
	for range callers {
		p.Go(func(ctx context.Context) error {
			for range perCaller {
				r, err := timed(ctx, label, op)
				if err != nil {
					return err
				}
				r.Bytes = inputBytes
				mu.Lock()
				r.Index = len(runs)
				r.Cold = r.Index == 0
				runs = append(runs, r)
				mu.Unlock()
			}
			return nil
		})
	}
	err := p.Wait()
	return runs, err
}

func timed(ctx context.Context, label string, op Op) (RunResult, error) {
	var (
		r   RunResult
		err error
	)
	pprof.Do(ctx, pprof.Labels("op", label), func(ctx context.Context) {
		start := time.Now()
		r.Tokens, err = op(ctx)
		r.Duration = time.Since(start)
	})
	r.TokensPerSec = CalcThroughput(r.Tokens, r.Duration)
	return r, err
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %8s  %12s\n", "Run", "Cold", "MS", "Tokens", "Tokens/s")
	fmt.Fprintln(sb, strings.Repeat("-", 48))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.3f  %8d  %12.0f\n",
			r.Index+1,
			cold,
			ms(r.Duration),
			r.Tokens,
			r.TokensPerSec,
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 48))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.3f  %8s  %12s  (min)\n", "", "", ms(stats.Min), "", "")
	fmt.Fprintf(sb, "%-5s  %-5s  %10.3f  %8s  %12s  (mean)\n", "", "", ms(stats.Mean), "", "")
	fmt.Fprintf(sb, "%-5s  %-5s  %10.3f  %8s  %12s  (max)\n", "", "", ms(stats.Max), "", "")
	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %8s  %12.0f  (mean, warm)\n", "", "", "", "", MeanThroughput(runs))

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index        int     `json:"index"`
	Cold         bool    `json:"cold"`
	DurationMS   float64 `json:"duration_ms"`
	Tokens       int     `json:"tokens"`
	Bytes        int     `json:"bytes"`
	TokensPerSec float64 `json:"tokens_per_sec"`
}

type jsonStats struct {
	MinMS            float64 `json:"min_ms"`
	MeanMS           float64 `json:"mean_ms"`
	MaxMS            float64 `json:"max_ms"`
	MeanTokensPerSec float64 `json:"mean_tokens_per_sec"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:            ms(stats.Min),
			MeanMS:           ms(stats.Mean),
			MaxMS:            ms(stats.Max),
			MeanTokensPerSec: MeanThroughput(runs),
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:        r.Index,
			Cold:         r.Cold,
			DurationMS:   ms(r.Duration),
			Tokens:       r.Tokens,
			Bytes:        r.Bytes,
			TokensPerSec: r.TokensPerSec,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(jr)
}
