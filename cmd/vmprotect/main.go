// Command vmprotect lifts ARM64 shared-library functions into
// register-VM bytecode, packages them into an expanded bundle
// library, and optionally patches a target ELF's dynamic symbol table
// to route through a companion vmengine dispatcher. It is a thin
// cobra shell over internal/pipeline.Run, mirroring the CLI-parse/
// validate/dispatch shape of
// original_source/VmProtect/app/zMain.cpp.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zboralski/vmprotect/internal/config"
	"github.com/zboralski/vmprotect/internal/pipeline"
	"github.com/zboralski/vmprotect/internal/vlog"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		flags   config.Config
		modeStr string
		cfgFile string
		debug   bool
	)

	rootCmd := &cobra.Command{
		Use:           "vmprotect",
		Short:         "Lift and package ARM64 functions into a register-VM bundle",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if cfgFile != "" {
				loaded, err := config.Load(cfgFile)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			if modeStr != "" {
				cfg.Mode = config.Mode(modeStr)
			}
			if flags.InputSo != "" {
				cfg.InputSo = flags.InputSo
			}
			if flags.OutputDir != "" {
				cfg.OutputDir = flags.OutputDir
			}
			if flags.ExpandedSo != "" {
				cfg.ExpandedSo = flags.ExpandedSo
			}
			if flags.SharedBranchFile != "" {
				cfg.SharedBranchFile = flags.SharedBranchFile
			}
			if flags.CoverageReport != "" {
				cfg.CoverageReport = flags.CoverageReport
			}
			if len(flags.Functions) > 0 {
				cfg.Functions = flags.Functions
			}
			if flags.VMEngineSo != "" {
				cfg.VMEngineSo = flags.VMEngineSo
			}
			if flags.OutputSo != "" {
				cfg.OutputSo = flags.OutputSo
			}
			if flags.PatchOriginSo != "" {
				cfg.PatchOriginSo = flags.PatchOriginSo
			}
			if flags.PatchImplSymbol != "" {
				cfg.PatchImplSymbol = flags.PatchImplSymbol
			}
			if cmd.Flags().Changed("analyze-all") {
				cfg.AnalyzeAll = flags.AnalyzeAll
			}
			if cmd.Flags().Changed("coverage-only") {
				cfg.CoverageOnly = flags.CoverageOnly
				if flags.CoverageOnly && !cmd.Flags().Changed("mode") {
					cfg.Mode = config.ModeCoverage
				}
			}
			if cmd.Flags().Changed("patch-all-exports") {
				cfg.PatchAllExports = flags.PatchAllExports
			}
			if cmd.Flags().Changed("patch-allow-validate-fail") {
				cfg.PatchAllowValidate = flags.PatchAllowValidate
			}
			cfg.Debug = debug

			log := vlog.New(cfg.Debug)
			defer func() { _ = log.Sync() }()

			return pipeline.Run(cfg, log)
		},
	}

	rootCmd.Flags().StringVar(&flags.InputSo, "input-so", "", "input ARM64 ELF64 shared library (required)")
	rootCmd.Flags().StringVar(&modeStr, "mode", "", "route selector: coverage|export|protect (default export)")
	rootCmd.Flags().StringVar(&flags.OutputDir, "output-dir", "", "output root (default .)")
	rootCmd.Flags().StringVar(&flags.ExpandedSo, "expanded-so", "", "expanded bundle library filename")
	rootCmd.Flags().StringVar(&flags.SharedBranchFile, "shared-branch-file", "", "shared branch-address listing filename")
	rootCmd.Flags().StringVar(&flags.CoverageReport, "coverage-report", "", "coverage markdown filename")
	rootCmd.Flags().StringArrayVar(&flags.Functions, "function", nil, "protected function (repeatable)")
	rootCmd.Flags().BoolVar(&flags.AnalyzeAll, "analyze-all", false, "analyze every defined function symbol")
	rootCmd.Flags().BoolVar(&flags.CoverageOnly, "coverage-only", false, "legacy alias for --mode coverage")
	rootCmd.Flags().StringVar(&flags.VMEngineSo, "vmengine-so", "", "host library for embed (required in protect)")
	rootCmd.Flags().StringVar(&flags.OutputSo, "output-so", "", "final protected output (required in protect)")
	rootCmd.Flags().StringVar(&flags.PatchOriginSo, "patch-origin-so", "", "donor for alias exports")
	rootCmd.Flags().StringVar(&flags.PatchImplSymbol, "patch-impl-symbol", "", "implementation or dispatch entry symbol name")
	rootCmd.Flags().BoolVar(&flags.PatchAllExports, "patch-all-exports", false, "do not restrict to fun_* and Java_*")
	rootCmd.Flags().BoolVar(&flags.PatchAllowValidate, "patch-allow-validate-fail", false, "continue on post-patch structural validation failure")
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "optional YAML config file overlaid before flags")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "verbose debug logging")

	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return exitCode(err)
}

// exitCode maps a pipeline/config error to the process exit status: 0
// success, 2 for pipeline.ErrLoad/ErrCollect, 3 for
// pipeline.ErrTranslate/ErrPatch (patchbay rejections, layout conflicts
// and post-patch validation failures arrive wrapped in ErrPatch). Every
// other error exits 1, including usage/parse errors, config validation
// failures, encoded-dump (serialization) failures and artifact write
// failures.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, pipeline.ErrLoad), errors.Is(err, pipeline.ErrCollect):
		fmt.Fprintln(os.Stderr, "vmprotect:", err)
		return 2
	case errors.Is(err, pipeline.ErrTranslate), errors.Is(err, pipeline.ErrPatch):
		fmt.Fprintln(os.Stderr, "vmprotect:", err)
		return 3
	default:
		fmt.Fprintln(os.Stderr, "vmprotect:", err)
		return 1
	}
}
