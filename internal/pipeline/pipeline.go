// Package pipeline orchestrates the stages of spec.md §5 into the three
// CLI routes of spec.md §6: coverage runs C1→C2, export runs C1→C2→C5,
// and protect runs C1→C2→C5→C8→C6 (the host embed runs before the
// alias patch, whose impl symbol is resolved in the embedded donor).
// It is grounded on
// original_source/VmProtect/app/zMain.cpp's top-level sequencing
// (load → build function list → collect views → coverage → export →
// optional vmengine protect flow) and
// modules/pipeline/core/zPipelineRun.cpp's config/name-list helpers.
package pipeline

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zboralski/vmprotect/internal/config"
	"github.com/zboralski/vmprotect/internal/coverage"
	"github.com/zboralski/vmprotect/internal/elfimage"
	"github.com/zboralski/vmprotect/internal/vlog"
)

// Run dispatches cfg.Mode to the matching stage sequence. It is the
// single entry point cmd/vmprotect calls into, mirroring zMain.cpp's
// "thin shell over pipeline" shape.
func Run(cfg config.Config, log *vlog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Stage("load", zap.String("input_so", cfg.InputSo))
	img, err := elfimage.Load(cfg.InputSo)
	if err != nil {
		return fmt.Errorf("%w: load %s: %v", ErrLoad, cfg.InputSo, err)
	}

	names := buildFunctionNameList(cfg, img)
	if len(names) == 0 {
		return fmt.Errorf("%w: function list is empty", ErrCollect)
	}

	views, err := collectFunctionViews(img, names)
	if err != nil {
		return err
	}

	board := coverage.Analyze(views, offsetsOf(views))
	if err := writeCoverageReport(cfg, log, board); err != nil {
		return err
	}

	if cfg.Mode == config.ModeCoverage || cfg.CoverageOnly {
		log.Stage("coverage-only", zap.Int("functions", len(names)))
		return nil
	}

	if err := requireFullTranslation(board); err != nil {
		return err
	}

	_, payloads, sharedAddrs, err := exportProtectedPackage(cfg, log, img, names, views)
	if err != nil {
		return err
	}
	log.Stage("export-done", zap.Int("payload_count", len(payloads)), zap.Int("shared_branch_count", len(sharedAddrs)))

	if cfg.Mode == config.ModeExport {
		return nil
	}

	expandedPath := joinOutputPath(cfg.OutputDir, cfg.ExpandedSo)
	return runProtect(cfg, log, img, names, expandedPath)
}

// buildFunctionNameList implements buildFunctionNameList from
// zPipelineRun.cpp: --analyze-all pulls every defined function symbol
// from the image, otherwise the explicit --function list is used; the
// result is deduplicated in first-seen order either way.
func buildFunctionNameList(cfg config.Config, img *elfimage.ElfImage) []string {
	var names []string
	if cfg.AnalyzeAll {
		names = img.AllSymbolNames()
	} else {
		names = cfg.Functions
	}
	return deduplicateKeepOrder(names)
}

// collectFunctionViews implements collectFunctions from
// zPipelineExport.cpp: any symbol that fails to resolve fails the
// whole run (spec.md §7 CollectError).
func collectFunctionViews(img *elfimage.ElfImage, names []string) ([]*elfimage.FunctionView, error) {
	views := make([]*elfimage.FunctionView, 0, len(names))
	for _, name := range names {
		fv, ok := img.FunctionView(name)
		if !ok {
			return nil, fmt.Errorf("%w: failed to resolve function %q", ErrCollect, name)
		}
		views = append(views, fv)
	}
	return views, nil
}

func offsetsOf(views []*elfimage.FunctionView) []uint64 {
	out := make([]uint64, len(views))
	for i, v := range views {
		out[i] = v.Offset
	}
	return out
}

// requireFullTranslation mirrors spec.md §7's local-recovery rule:
// coverage mode tolerates per-function TranslateError, but export and
// protect modes must abort (exit 3) when prepare_translation fails for
// any requested function. Per-function errors are accumulated
// with multierr so every failing function is reported at once rather
// than stopping at the first one.
func requireFullTranslation(board *coverage.Board) error {
	var combined error
	for _, row := range board.Rows {
		if !row.TranslateOK {
			combined = multierr.Append(combined, fmt.Errorf("%s: %s", row.Name, row.Error))
		}
	}
	if combined != nil {
		return fmt.Errorf("%w: translation failed for one or more functions: %v", ErrTranslate, combined)
	}
	return nil
}

func writeCoverageReport(cfg config.Config, log *vlog.Logger, board *coverage.Board) error {
	path := joinOutputPath(cfg.OutputDir, cfg.CoverageReport)
	if err := writeFileAtomic(path, coverage.Render(board), 0o644); err != nil {
		return fmt.Errorf("pipeline: write coverage report: %w", err)
	}
	log.Stage("coverage-report",
		zap.String("path", path),
		zap.Uint64("total_instructions", board.TotalInstructions),
		zap.Uint64("supported_instructions", board.SupportedInstructions),
	)
	return nil
}

// functionPrefixAllowed implements the --patch-all-exports filter of
// spec.md §6: unless set, only fun_* and Java_* symbols are eligible
// for alias export in protect mode, whether the function set comes
// from --function or --analyze-all.
func functionPrefixAllowed(name string, allExports bool) bool {
	if allExports {
		return true
	}
	return strings.HasPrefix(name, "fun_") || strings.HasPrefix(name, "Java_")
}
