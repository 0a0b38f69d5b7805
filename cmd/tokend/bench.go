package main

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-tokend/internal/bench"
	"github.com/example/go-tokend/internal/special"
	"github.com/example/go-tokend/internal/tokenizer"
	"github.com/example/go-tokend/internal/vocab"
)

// benchOps lists the operations bench can time.
var benchOps = []string{"count", "encode", "estimate", "fast-count", "fast-estimate"}

func newBenchCmd() *cobra.Command {
	var (
		text          string
		encoding      string
		op            string
		runs          int
		callers       int
		format        string
		minThroughput float64
		cpuprofile    string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark tokenization latency and throughput",
		RunE: func(cmd *cobra.Command, _ []string) error {
			input, err := readInputText(text, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if callers < 1 {
				return fmt.Errorf("--callers must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			return withService(cmd, encoding, func(ctx context.Context, svc *tokenizer.Service, enc vocab.Encoding) error {
				fn, err := benchOp(svc, op, enc, input)
				if err != nil {
					return err
				}

				if cpuprofile != "" {
					f, err := os.Create(cpuprofile)
					if err != nil {
						return fmt.Errorf("create cpuprofile: %w", err)
					}
					defer f.Close()

					if err := pprof.StartCPUProfile(f); err != nil {
						return fmt.Errorf("start cpuprofile: %w", err)
					}
					defer pprof.StopCPUProfile()
				}

				var results []bench.RunResult
				if callers == 1 {
					results, err = bench.Run(ctx, op, runs, len(input), fn)
				} else {
					results, err = bench.RunConcurrent(ctx, op, callers, runs, len(input), fn)
				}
				if err != nil {
					return err
				}

				stats := bench.ComputeStats(bench.Durations(results, false))
				out := cmd.OutOrStdout()
				switch format {
				case "json":
					bench.FormatJSON(results, stats, out)
				default:
					bench.FormatTable(results, stats, out)
				}

				return bench.CheckThroughputThreshold(bench.MeanThroughput(results), minThroughput)
			})
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to tokenize for each run (read from stdin when empty)")
	cmd.Flags().StringVar(&encoding, "encoding", "", "Encoding to use (default: first configured)")
	cmd.Flags().StringVar(&op, "op", "count", "Operation: "+strings.Join(benchOps, "|"))
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of runs (per caller)")
	cmd.Flags().IntVar(&callers, "callers", 1, "Concurrent callers")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&minThroughput, "min-throughput", 0, "Exit non-zero if mean tokens/s falls below this value (0 = disabled)")
	cmd.Flags().StringVar(&cpuprofile, "cpuprofile", "", "Write a CPU profile to this file")

	return cmd
}

// benchOp returns the timed call for op.
func benchOp(svc *tokenizer.Service, op string, enc vocab.Encoding, text string) (bench.Op, error) {
	switch op {
	case "count":
		return func(ctx context.Context) (int, error) {
			return svc.CountTokens(ctx, text, enc, special.NormalTextPolicy())
		}, nil
	case "encode":
		return func(ctx context.Context) (int, error) {
			ids, err := svc.EncodeTokens(ctx, text, enc, special.NormalTextPolicy())
			return len(ids), err
		}, nil
	case "estimate":
		return func(ctx context.Context) (int, error) {
			return svc.EstimateTokenCount(ctx, text, enc)
		}, nil
	case "fast-count":
		return func(context.Context) (int, error) {
			return svc.CountTokensFast(text)
		}, nil
	case "fast-estimate":
		return func(context.Context) (int, error) {
			return svc.EstimateTokenCountFast(text, enc), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown --op %q (want %s)", op, strings.Join(benchOps, "|"))
	}
}
