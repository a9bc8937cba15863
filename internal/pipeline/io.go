package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// joinOutputPath mirrors joinOutputPath in
// original_source/VmProtect/modules/pipeline/core/zPipelineCli.cpp:
// every artifact path is relative to cfg.OutputDir.
func joinOutputPath(outputDir, name string) string {
	return filepath.Join(outputDir, name)
}

// writeFileAtomic implements spec.md §5's publish discipline: "writers
// must emit to a temporary path and rename on success" — so a failure
// partway through a write never leaves a corrupt artifact at path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pipeline: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".vmprotect-tmp-*")
	if err != nil {
		return fmt.Errorf("pipeline: create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("pipeline: write %s: %w", tmpPath, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("pipeline: chmod %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pipeline: close %s: %w", tmpPath, err)
	}

	if err := unix.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pipeline: rename %s -> %s: %w", tmpPath, path, err)
	}
	return nil
}

func deduplicateKeepOrder(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
