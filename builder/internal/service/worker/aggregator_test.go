package worker

import (
	"fmt"
	"strings"
	"testing"
)

func TestLineFolderCollapsesRepeats(t *testing.T) {
	var emitted []string
	f := newLineFolder(40, func(s string) { emitted = append(emitted, s) })
	for _, line := range []string{"a", "b", "b", "b", "", "c", "c", "d"} {
		f.Add(line)
	}
	f.Flush()

	want := []string{"a", "b", "(previous line repeated 2 more times)", "c", "c", "d"}
	if strings.Join(emitted, "|") != strings.Join(want, "|") {
		t.Fatalf("emitted %q, want %q", emitted, want)
	}
}

func TestLineFolderKeepsTail(t *testing.T) {
	f := newLineFolder(40, func(string) {})
	for i := 0; i < 100; i++ {
		f.Add(fmt.Sprintf("line %d", i))
	}
	tail := f.Tail(40)
	if len(tail) != 40 || tail[0] != "line 60" || tail[39] != "line 99" {
		t.Fatalf("unexpected tail %q", tail)
	}
	if got := f.Tail(3); strings.Join(got, ",") != "line 97,line 98,line 99" {
		t.Fatalf("unexpected short tail %q", got)
	}
}
