package vocab

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// DefaultLlama3Anchor is the path, relative to some ancestor of the working
// directory, where the llama3 rank table is expected.
const DefaultLlama3Anchor = "tokenizers/Meta-Llama-3-70B-Instruct/tokenizer.model"

// ParseRanks reads a tiktoken-style rank table: one "base64token rank" pair
// per line, blank lines ignored. Ranks are taken as given but must strictly
// increase in file order.
func ParseRanks(r io.Reader) (map[string]int, error) {
	ranks := make(map[string]int)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo, last := 0, -1
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: line %d: rank missing", ErrMalformedRanks, lineNo)
		}
		if len(fields) > 2 {
			return nil, fmt.Errorf("%w: line %d: expected 2 fields, got %d", ErrMalformedRanks, lineNo, len(fields))
		}

		tok, err := base64.StdEncoding.DecodeString(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: invalid token encoding: %v", ErrMalformedRanks, lineNo, err)
		}
		rank, err := strconv.Atoi(fields[1])
		if err != nil || rank < 0 {
			return nil, fmt.Errorf("%w: line %d: rank %q is not a non-negative number", ErrMalformedRanks, lineNo, fields[1])
		}
		if rank <= last {
			return nil, fmt.Errorf("%w: line %d: rank %d does not follow %d", ErrIDCollision, lineNo, rank, last)
		}
		if prev, dup := ranks[string(tok)]; dup {
			return nil, fmt.Errorf("%w: line %d: token %q already has rank %d", ErrIDCollision, lineNo, tok, prev)
		}

		ranks[string(tok)] = rank
		last = rank
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ranks: %w", err)
	}
	return ranks, nil
}

// RanksLocator finds and reads a rank table on Fs.
type RanksLocator struct {
	Fs afero.Fs
	// Path is an explicit override; when set no search happens.
	Path string
	// Anchor is searched for in StartDir and each of its ancestors.
	Anchor string
	// StartDir defaults to the process working directory.
	StartDir string
}

func (l RanksLocator) fs() afero.Fs {
	if l.Fs == nil {
		return afero.NewOsFs()
	}
	return l.Fs
}

// Resolve returns the rank file path.
func (l RanksLocator) Resolve() (string, error) {
	fs := l.fs()

	if l.Path != "" {
		if _, err := fs.Stat(l.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: %s", ErrRanksNotFound, l.Path)
			}
			return "", fmt.Errorf("stat %s: %w", l.Path, err)
		}
		return l.Path, nil
	}

	anchor := l.Anchor
	if anchor == "" {
		anchor = DefaultLlama3Anchor
	}
	dir := l.StartDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("working directory: %w", err)
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("abs path: %w", err)
	}

	start := dir
	for {
		candidate := filepath.Join(dir, anchor)
		if _, err := fs.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("%w: no %s in %s or its ancestors", ErrRanksNotFound, anchor, start)
}

// Load resolves and parses the rank table, returning it with its path.
func (l RanksLocator) Load() (map[string]int, string, error) {
	path, err := l.Resolve()
	if err != nil {
		return nil, "", err
	}
	f, err := l.fs().Open(path)
	if err != nil {
		return nil, path, fmt.Errorf("open ranks: %w", err)
	}
	defer func() { _ = f.Close() }()

	ranks, err := ParseRanks(f)
	if err != nil {
		return nil, path, fmt.Errorf("%s: %w", path, err)
	}
	return ranks, path, nil
}
