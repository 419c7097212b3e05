package domain

import (
	"strings"
	"testing"
)

func TestMarshalContent_Deterministic(t *testing.T) {
	content := map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": true, "y": false}}
	first := MarshalContent(content)
	for i := 0; i < 10; i++ {
		if MarshalContent(content) != first {
			t.Fatal("rendering must be deterministic for equal content")
		}
	}
	if !strings.Contains(first, `"a":1`) {
		t.Errorf("unexpected rendering: %s", first)
	}
}

func TestMarshalContent_NoHTMLEscaping(t *testing.T) {
	out := MarshalContent(map[string]any{"tag": "<subtask>"})
	if !strings.Contains(out, `"<subtask>"`) {
		t.Errorf("angle brackets must not be escaped: %s", out)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := "净资产收益率净资产收益率"
	out := Truncate(s, 4)
	if out != "净资产收..." {
		t.Errorf("unexpected truncation: %q", out)
	}
	if Truncate("short", 100) != "short" {
		t.Error("short strings must pass through")
	}
	if Truncate("anything", 0) != "anything" {
		t.Error("non-positive max disables truncation")
	}
}

func TestCloneContent_NilYieldsWritableMap(t *testing.T) {
	out := CloneContent(nil)
	if out == nil {
		t.Fatal("expected writable map")
	}
	out["k"] = 1
}
