// Package coverage renders the translation coverage board described
// in spec.md §6: per-function instruction counts, translate_ok
// status, and two instruction histograms. It is deliberately thin —
// spec.md §1 places "coverage-report rendering" outside the CORE,
// invoked only through this package's stated interface — grounded
// loosely on
// original_source/VmProtect/modules/pipeline/core/zPipelineCoverage.cpp's
// board shape (totals table, per-function table, two sorted
// histograms).
package coverage

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/zboralski/vmprotect/internal/elfimage"
	"github.com/zboralski/vmprotect/internal/lifter"
)

// FunctionRow is one function's coverage statistics, mirroring
// FunctionCoverageRow in zPipelineCoverage.h.
type FunctionRow struct {
	Name        string
	Total       uint64
	Supported   uint64
	Unsupported uint64
	TranslateOK bool
	Error       string
}

// Board is the full coverage panel: global totals, per-function rows,
// and two histograms (supported/unsupported instruction counts).
type Board struct {
	TotalInstructions      uint64
	SupportedInstructions  uint64
	UnsupportedInstructions uint64
	Rows                   []FunctionRow

	SupportedHistogram   map[string]uint64
	UnsupportedHistogram map[string]uint64
}

// Analyze disassembles every view's bytes with the same decoder the
// lifter uses, classifying each decoded instruction as supported or
// not per lifter.IsSupported, then records prepare_translation's
// pass/fail outcome for the row (local recovery per spec.md §7: a
// translate failure is recorded, not fatal).
func Analyze(views []*elfimage.FunctionView, funcOffsets []uint64) *Board {
	board := &Board{
		SupportedHistogram:   make(map[string]uint64),
		UnsupportedHistogram: make(map[string]uint64),
	}
	board.Rows = make([]FunctionRow, len(views))

	for i, fv := range views {
		row := FunctionRow{Name: fv.Name}
		analyzeOne(fv, &row, board)

		if _, err := lifter.Translate(fv, funcOffsets[i]); err != nil {
			row.TranslateOK = false
			row.Error = markdownSafe(err.Error())
		} else {
			row.TranslateOK = true
		}

		board.Rows[i] = row
	}

	return board
}

func analyzeOne(fv *elfimage.FunctionView, row *FunctionRow, board *Board) {
	data := fv.Data
	if len(data) == 0 {
		return
	}
	trimmed := len(data) - len(data)%4

	for i := 0; i+4 <= trimmed; i += 4 {
		inst, err := arm64asm.Decode(data[i : i+4])
		mnemonic := "unknown"
		if err == nil {
			mnemonic = strings.ToUpper(inst.Op.String())
		}
		label := fmt.Sprintf("%s(%d)", strings.ToLower(mnemonic), int(inst.Op))

		row.Total++
		board.TotalInstructions++

		if err == nil && lifter.IsSupported(mnemonic) {
			row.Supported++
			board.SupportedInstructions++
			board.SupportedHistogram[label]++
		} else {
			row.Unsupported++
			board.UnsupportedInstructions++
			board.UnsupportedHistogram[label]++
		}
	}
}

func markdownSafe(s string) string {
	return strings.ReplaceAll(s, "|", "/")
}

// Render writes the board as markdown, matching
// writeCoverageReport's section order: totals table, per-function
// table, then the unsupported histogram and supported histogram, each
// sorted by descending count then ascending name.
func Render(board *Board) []byte {
	var b strings.Builder

	b.WriteString("# ARM64 Translation Coverage Board\n\n")
	b.WriteString("| Metric | Value |\n")
	b.WriteString("| --- | ---: |\n")
	fmt.Fprintf(&b, "| Total instructions | %d |\n", board.TotalInstructions)
	fmt.Fprintf(&b, "| Supported instructions | %d |\n", board.SupportedInstructions)
	fmt.Fprintf(&b, "| Unsupported instructions | %d |\n\n", board.UnsupportedInstructions)

	b.WriteString("## Per Function\n\n")
	b.WriteString("| Function | Total | Supported | Unsupported | Translation OK | Translation Error |\n")
	b.WriteString("| --- | ---: | ---: | ---: | --- | --- |\n")
	for _, row := range board.Rows {
		errText := row.Error
		if errText == "" {
			errText = "-"
		}
		okText := "no"
		if row.TranslateOK {
			okText = "yes"
		}
		fmt.Fprintf(&b, "| %s | %d | %d | %d | %s | %s |\n",
			row.Name, row.Total, row.Supported, row.Unsupported, okText, errText)
	}
	b.WriteString("\n")

	renderHistogram(&b, "Unsupported Instructions", board.UnsupportedHistogram)
	renderHistogram(&b, "Supported Instructions", board.SupportedHistogram)

	return []byte(b.String())
}

type histEntry struct {
	name  string
	count uint64
}

func renderHistogram(b *strings.Builder, title string, hist map[string]uint64) {
	fmt.Fprintf(b, "## %s\n\n", title)
	b.WriteString("| Instruction | Count |\n")
	b.WriteString("| --- | ---: |\n")

	entries := make([]histEntry, 0, len(hist))
	for name, count := range hist {
		entries = append(entries, histEntry{name: name, count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})

	for _, e := range entries {
		fmt.Fprintf(b, "| %s | %d |\n", markdownSafe(e.name), e.count)
	}
	b.WriteString("\n")
}
