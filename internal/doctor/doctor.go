// Package doctor provides environment preflight checks for tokend.
package doctor

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/example/go-tokend/internal/vocab"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// MinGoMinor is the oldest Go 1.x release tokend is supported on.
const MinGoMinor = 22

// probeText is encoded by every loaded vocabulary as a smoke test.
const probeText = "hello world"

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// BuildFunc builds one vocabulary.
type BuildFunc func(enc vocab.Encoding) (*vocab.Encoder, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// GoVersion returns the runtime version (e.g. "go1.25.0").
	GoVersion VersionFunc
	// SkipGo skips the Go version check.
	SkipGo bool
	// Encodings are the configured vocabulary names.
	Encodings []string
	// Build loads a vocabulary. Nil skips the load checks.
	Build BuildFunc
	// Fs is where RanksFiles are read from. Nil means the OS filesystem.
	Fs afero.Fs
	// RanksFiles are extra merge-rank files to verify on disk.
	RanksFiles []string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- Go runtime -------------------------------------------------------
	if cfg.SkipGo || cfg.GoVersion == nil {
		fmt.Fprintf(w, "%s go version: skipped\n", PassMark)
	} else {
		ver, err := cfg.GoVersion()
		if err != nil {
			res.fail(fmt.Sprintf("go version: %v", err))
			fmt.Fprintf(w, "%s go version: unavailable (%v)\n", FailMark, err)
		} else if goErr := checkGoVersion(ver); goErr != nil {
			res.fail(fmt.Sprintf("go version: %v", goErr))
			fmt.Fprintf(w, "%s go version %s: %v\n", FailMark, ver, goErr)
		} else {
			fmt.Fprintf(w, "%s go version: %s\n", PassMark, ver)
		}
	}

	// ---- vocabularies -----------------------------------------------------
	encs, err := vocab.ParseEncodings(cfg.Encodings)
	switch {
	case err != nil:
		res.fail(fmt.Sprintf("encodings: %v", err))
		fmt.Fprintf(w, "%s encodings: %v\n", FailMark, err)
	case len(encs) == 0:
		res.fail("encodings: none configured")
		fmt.Fprintf(w, "%s encodings: none configured\n", FailMark)
	default:
		for _, enc := range encs {
			checkEncoding(&res, cfg.Build, enc, w)
		}
	}

	// ---- rank files -------------------------------------------------------
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	for _, path := range cfg.RanksFiles {
		n, err := checkRanksFile(fs, path)
		if err != nil {
			res.fail(fmt.Sprintf("ranks file %q: %v", path, err))
			fmt.Fprintf(w, "%s ranks file %s: %v\n", FailMark, path, err)
		} else {
			fmt.Fprintf(w, "%s ranks file: %s (%d ranks)\n", PassMark, path, n)
		}
	}

	return res
}

func checkEncoding(res *Result, build BuildFunc, enc vocab.Encoding, w io.Writer) {
	if build == nil {
		fmt.Fprintf(w, "%s vocabulary %s: load skipped\n", PassMark, enc)
		return
	}
	e, err := build(enc)
	if err != nil {
		res.fail(fmt.Sprintf("vocabulary %s: %v", enc, err))
		fmt.Fprintf(w, "%s vocabulary %s: %v\n", FailMark, enc, err)
		return
	}

	ids := e.EncodeOrdinary(probeText)
	text, err := e.Decode(ids)
	if err != nil || text != probeText {
		res.fail(fmt.Sprintf("vocabulary %s: round trip of %q failed", enc, probeText))
		fmt.Fprintf(w, "%s vocabulary %s: round trip failed\n", FailMark, enc)
		return
	}
	fmt.Fprintf(w, "%s vocabulary %s: %d ids, %q -> %d tokens\n", PassMark, enc, e.VocabSize(), probeText, len(ids))
}

func checkRanksFile(fs afero.Fs, path string) (int, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	ranks, err := vocab.ParseRanks(f)
	if err != nil {
		return 0, err
	}
	return len(ranks), nil
}

// checkGoVersion returns an error if ver is older than Go 1.MinGoMinor.
// ver is expected to be a string like "go1.25.0" or "1.25".
func checkGoVersion(ver string) error {
	major, minor, err := parseMajorMinor(strings.TrimPrefix(ver, "go"))
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 1 {
		return fmt.Errorf("requires Go 1.x, got %d", major)
	}
	if minor < MinGoMinor {
		return fmt.Errorf("requires Go >=1.%d, got 1.%d", MinGoMinor, minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	// Release candidates look like "1.26rc1".
	minorStr := parts[1]
	if i := strings.IndexFunc(minorStr, func(r rune) bool { return r < '0' || r > '9' }); i > 0 {
		minorStr = minorStr[:i]
	}
	minor, err = strconv.Atoi(minorStr)
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
