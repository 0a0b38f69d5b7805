package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/example/go-tokend/internal/vocab"
)

// NormalizeEncodings parses encoding names. Entries may themselves be
// comma-separated, as they are when read from an environment variable.
// An empty list is an error.
func NormalizeEncodings(raw []string) ([]vocab.Encoding, error) {
	var names []string
	for _, r := range raw {
		names = append(names, strings.Split(r, ",")...)
	}
	encs, err := vocab.ParseEncodings(names)
	if err != nil {
		return nil, err
	}
	if len(encs) == 0 {
		return nil, errors.New("no encodings configured")
	}
	return encs, nil
}

// Validate checks the values that cannot be caught by type decoding.
func (c Config) Validate() error {
	var errs []error

	encs, err := NormalizeEncodings(c.Vocab.Encodings)
	if err != nil {
		errs = append(errs, fmt.Errorf("vocab.encodings: %w", err))
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, fmt.Errorf("dispatch.workers must be positive, got %d", c.Dispatch.Workers))
	}
	if c.Dispatch.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("dispatch.queue_size must be positive, got %d", c.Dispatch.QueueSize))
	}
	if c.FastPath.Enabled {
		enc, err := vocab.ParseEncoding(c.FastPath.Encoding)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("fast_path.encoding: %w", err))
		case encs != nil && !slices.Contains(encs, enc):
			errs = append(errs, fmt.Errorf("fast_path.encoding %s is not listed in vocab.encodings", enc))
		}
	}
	if c.Server.MaxTextBytes < 1 {
		errs = append(errs, fmt.Errorf("server.max_text_bytes must be positive, got %d", c.Server.MaxTextBytes))
	}
	if c.Server.RequestTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}

	return errors.Join(errs...)
}
