package llm_test

import (
	"testing"

	"github.com/MrWong99/carevox/pkg/provider/llm"
)

func TestToolCallAssembler(t *testing.T) {
	t.Parallel()

	var a llm.ToolCallAssembler
	if a.Flush() != nil {
		t.Fatal("empty assembler should flush nil")
	}

	a.Add(1, "call_b", "transfer_to_pharmacy", `{"re`)
	a.Add(0, "call_a", "transfer_to_billing", "{}")
	a.Add(1, "", "", `ason":"refill"}`)
	if a.Len() != 2 {
		t.Fatalf("Len: want 2, got %d", a.Len())
	}

	got := a.Flush()
	if len(got) != 2 {
		t.Fatalf("want 2 calls, got %+v", got)
	}
	if got[0].ID != "call_a" || got[1].ID != "call_b" || got[1].Name != "transfer_to_pharmacy" {
		t.Errorf("calls out of index order: %+v", got)
	}
	if got[1].Arguments != `{"reason":"refill"}` {
		t.Errorf("arguments: got %q", got[1].Arguments)
	}
	if a.Len() != 0 || a.Flush() != nil {
		t.Error("Flush should reset the assembler")
	}
}
