package pipeline

import "errors"

// Sentinel errors matching spec.md §7's error categories,
// distinguished by callers (cmd/vmprotect, for exit code selection)
// with errors.Is.
var (
	// ErrLoad reports an unreadable file or a malformed ELF64/AArch64
	// image (exit 2).
	ErrLoad = errors.New("pipeline: load error")
	// ErrCollect reports a symbol the ELF does not export, or an
	// analyze-all pass that found nothing to lift (exit 2).
	ErrCollect = errors.New("pipeline: collect error")
	// ErrTranslate reports one or more functions that failed C2
	// translation outside coverage mode (exit 3).
	ErrTranslate = errors.New("pipeline: translate error")
	// ErrPatch reports a post-patch structural validation failure
	// (spec.md §6's --patch-allow-validate-fail flag) or a patchbay
	// rejection such as a duplicate export (exit 3).
	ErrPatch = errors.New("pipeline: patch validation failed")
)
