package coverage

import (
	"strings"
	"testing"

	"github.com/zboralski/vmprotect/internal/elfimage"
)

// movzX0_42Ret is "movz x0, #42" followed by "ret", little-endian.
var movzX0_42Ret = []byte{
	0x40, 0x05, 0x80, 0xD2, // movz x0, #42
	0xC0, 0x03, 0x5F, 0xD6, // ret
}

// udf is a word that does not decode as any valid AArch64 instruction.
var udf = []byte{0x00, 0x00, 0x00, 0x00}

func TestAnalyzeCountsSupportedInstructions(t *testing.T) {
	view := &elfimage.FunctionView{Name: "fn_ok", Offset: 0x4000, Size: uint64(len(movzX0_42Ret)), Data: movzX0_42Ret}

	board := Analyze([]*elfimage.FunctionView{view}, []uint64{0x4000})

	if board.TotalInstructions != 2 {
		t.Fatalf("expected 2 total instructions, got %d", board.TotalInstructions)
	}
	if board.UnsupportedInstructions != 0 {
		t.Fatalf("expected 0 unsupported instructions, got %d", board.UnsupportedInstructions)
	}
	if len(board.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(board.Rows))
	}
	row := board.Rows[0]
	if !row.TranslateOK {
		t.Fatalf("expected translate_ok, got error: %s", row.Error)
	}
	if row.Total != 2 || row.Supported != 2 {
		t.Fatalf("unexpected row counts: %+v", row)
	}
}

func TestAnalyzeRecordsTranslateFailureWithoutAborting(t *testing.T) {
	bad := &elfimage.FunctionView{Name: "fn_bad", Offset: 0x1000, Size: uint64(len(udf)), Data: udf}
	good := &elfimage.FunctionView{Name: "fn_ok", Offset: 0x4000, Size: uint64(len(movzX0_42Ret)), Data: movzX0_42Ret}

	board := Analyze([]*elfimage.FunctionView{bad, good}, []uint64{0x1000, 0x4000})

	if len(board.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(board.Rows))
	}
	if board.Rows[0].TranslateOK {
		t.Fatalf("expected fn_bad to fail translation")
	}
	if board.Rows[0].Error == "" {
		t.Fatalf("expected a translation error message for fn_bad")
	}
	if !board.Rows[1].TranslateOK {
		t.Fatalf("expected fn_ok to succeed despite fn_bad failing")
	}
}

func TestRenderProducesExpectedSections(t *testing.T) {
	view := &elfimage.FunctionView{Name: "fn_ok", Offset: 0x4000, Size: uint64(len(movzX0_42Ret)), Data: movzX0_42Ret}
	board := Analyze([]*elfimage.FunctionView{view}, []uint64{0x4000})

	out := string(Render(board))

	for _, want := range []string{
		"# ARM64 Translation Coverage Board",
		"## Per Function",
		"## Unsupported Instructions",
		"## Supported Instructions",
		"fn_ok",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered report missing %q:\n%s", want, out)
		}
	}
}

func TestMarkdownSafeEscapesPipes(t *testing.T) {
	if got := markdownSafe("a|b|c"); got != "a/b/c" {
		t.Fatalf("markdownSafe(%q) = %q", "a|b|c", got)
	}
}
