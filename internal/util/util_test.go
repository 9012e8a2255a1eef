package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("snapshot = %v, want [3 4 5]", got)
	}
	last := r.Last(2)
	if len(last) != 2 || last[0] != 4 || last[1] != 5 {
		t.Fatalf("last(2) = %v, want [4 5]", last)
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}
	if n := len(NewRingBuffer[string](0).Snapshot()); n != 0 {
		t.Fatalf("empty snapshot len = %d", n)
	}
}

func TestValidateUserID(t *testing.T) {
	if id, err := ValidateUserID("  user42 "); err != nil || id != "user42" {
		t.Fatalf("got %q, %v", id, err)
	}
	for _, bad := range []string{"", "   ", "a/b", "a b", "..", "x?y"} {
		if _, err := ValidateUserID(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestResolvePath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "x.db")
	if got := ResolvePath("base", abs); got != abs {
		t.Fatalf("absolute path not preserved: %s", got)
	}
	if got := ResolvePath("base", "x.db"); got != filepath.Join("base", "x.db") {
		t.Fatalf("relative path: %s", got)
	}
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")
	if err := WriteJSONFile(path, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]int
	if err := json.Unmarshal(b, &m); err != nil || m["a"] != 1 {
		t.Fatalf("unexpected content %s (%v)", b, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}
