// Package config holds the Config struct threaded through
// every vmprotect run, built directly from the CLI flags of spec.md
// §6 and optionally loaded from a YAML file for repeatable batch runs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mode selects the pipeline route (spec.md §6 --mode).
type Mode string

const (
	ModeCoverage Mode = "coverage"
	ModeExport   Mode = "export"
	ModeProtect  Mode = "protect"
)

// Config mirrors the full --flag surface of spec.md §6, threaded
// through internal/pipeline.
type Config struct {
	InputSo            string   `yaml:"input_so"`
	Mode               Mode     `yaml:"mode"`
	OutputDir          string   `yaml:"output_dir"`
	ExpandedSo         string   `yaml:"expanded_so"`
	SharedBranchFile   string   `yaml:"shared_branch_file"`
	CoverageReport     string   `yaml:"coverage_report"`
	Functions          []string `yaml:"functions"`
	AnalyzeAll         bool     `yaml:"analyze_all"`
	CoverageOnly       bool     `yaml:"coverage_only"`
	VMEngineSo         string   `yaml:"vmengine_so"`
	OutputSo           string   `yaml:"output_so"`
	PatchOriginSo      string   `yaml:"patch_origin_so"`
	PatchImplSymbol    string   `yaml:"patch_impl_symbol"`
	PatchAllExports    bool     `yaml:"patch_all_exports"`
	PatchAllowValidate bool     `yaml:"patch_allow_validate_fail"`
	Debug              bool     `yaml:"debug"`
}

// Default returns a Config with spec.md §6's stated defaults.
func Default() Config {
	return Config{
		Mode:             ModeExport,
		OutputDir:        ".",
		ExpandedSo:       "expanded.so",
		SharedBranchFile: "shared_branches.txt",
		CoverageReport:   "coverage.md",
	}
}

// Load reads a YAML config file and overlays it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants spec.md §6/§7 impose before a run
// starts: an input path is always required, and protect mode needs
// the patch target fields.
func (c Config) Validate() error {
	if c.InputSo == "" {
		return fmt.Errorf("config: input_so is required")
	}
	switch c.Mode {
	case ModeCoverage, ModeExport, ModeProtect:
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.Mode == ModeProtect {
		if c.VMEngineSo == "" {
			return fmt.Errorf("config: protect mode requires vmengine_so")
		}
		if c.OutputSo == "" {
			return fmt.Errorf("config: protect mode requires output_so")
		}
		if c.PatchImplSymbol == "" && !c.PatchAllExports {
			return fmt.Errorf("config: protect mode requires patch_impl_symbol or patch_all_exports")
		}
	} else if c.VMEngineSo != "" || c.OutputSo != "" || c.PatchOriginSo != "" {
		return fmt.Errorf("config: mode %q does not allow --vmengine-so/--output-so/--patch-origin-so; use --mode protect", c.Mode)
	}
	if !c.AnalyzeAll && len(c.Functions) == 0 {
		return fmt.Errorf("config: at least one --function is required unless --analyze-all is set")
	}
	return nil
}
