package main

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/example/go-tokend/internal/doctor"
	"github.com/example/go-tokend/internal/server"
	"github.com/example/go-tokend/internal/tokenizer"
	"github.com/example/go-tokend/internal/vocab"
)

func newDoctorCmd() *cobra.Command {
	var (
		ranksFiles []string
		probe      string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local vocabulary and runtime checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			opts := tokenizer.BuildOptions(cfg, slog.Default())
			dcfg := doctor.Config{
				GoVersion: func() (string, error) { return runtime.Version(), nil },
				Encodings: cfg.Vocab.Encodings,
				Build: func(enc vocab.Encoding) (*vocab.Encoder, error) {
					return vocab.BuildEncoder(enc, opts)
				},
				RanksFiles: ranksFiles,
			}

			result := doctor.Run(dcfg, out)

			if probe != "" {
				if err := server.ProbeHTTP(probe); err != nil {
					result.AddFailure(fmt.Sprintf("server %s: %v", probe, err))
					_, _ = fmt.Fprintf(out, "%s server %s: %v\n", doctor.FailMark, probe, err)
				} else {
					_, _ = fmt.Fprintf(out, "%s server %s: ok\n", doctor.PassMark, probe)
				}
			}

			if result.Failed() {
				for _, f := range result.Failures() {
					fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	cmd.Flags().StringSliceVar(&ranksFiles, "ranks-file", nil, "Extra merge-rank files to verify (repeatable)")
	cmd.Flags().StringVar(&probe, "probe", "", "Also probe a running server's /health at this address")

	return cmd
}
