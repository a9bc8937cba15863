package pht

import "errors"

// ErrMisaligned reports the fixed anchor not being page-aligned; the
// anchor is a compile-time constant so this should never trigger in
// practice, but the algorithm's step 3 names it as a rejection case.
var ErrMisaligned = errors.New("pht: anchor offset is not page-aligned")

// ErrExceedsFileSize reports the relocated PHT running past the
// computed output file size (spec.md §4.7 step 5's final check).
var ErrExceedsFileSize = errors.New("pht: relocated PHT exceeds output file size")

// ErrNoExtraEntries reports a caller-supplied extraEntries < 1.
var ErrNoExtraEntries = errors.New("pht: extraEntries must be >= 1")
