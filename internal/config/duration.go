package config

import (
	"fmt"
	"strings"
	"time"
)

// durationSet parses duration fields for Resolve and keeps every failure so
// a bad config reports all of them at once.
type durationSet struct {
	errs []error
}

// or returns the parsed duration at path, def when raw is empty or zero, and
// def plus a recorded error when raw is malformed or negative.
func (ds *durationSet) or(path, raw string, def time.Duration) time.Duration {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		ds.errs = append(ds.errs, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err))
		return def
	case d < 0:
		ds.errs = append(ds.errs, fmt.Errorf("%s: duration %s is negative", path, d))
		return def
	case d == 0:
		return def
	}
	return d
}
