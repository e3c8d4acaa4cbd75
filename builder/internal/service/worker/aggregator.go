package worker

import (
	"fmt"
	"strings"
)

// lineFolder collapses runs of identical output lines before they are
// emitted, and remembers the last lines seen for failure summaries.
type lineFolder struct {
	emit    func(string)
	prev    string
	repeats int
	tail    []string
	keep    int
}

func newLineFolder(keep int, emit func(string)) *lineFolder {
	return &lineFolder{emit: emit, keep: keep}
}

func (f *lineFolder) Add(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	if line == f.prev {
		f.repeats++
		return
	}
	f.flushRepeats()
	f.prev = line
	f.push(line)
	f.emit(line)
}

// Flush reports a pending run of repeated lines.
func (f *lineFolder) Flush() {
	f.flushRepeats()
	f.prev = ""
}

func (f *lineFolder) flushRepeats() {
	if f.repeats == 0 {
		return
	}
	msg := fmt.Sprintf("(previous line repeated %d more times)", f.repeats)
	if f.repeats == 1 {
		msg = f.prev
	}
	f.repeats = 0
	f.push(msg)
	f.emit(msg)
}

func (f *lineFolder) push(line string) {
	if f.keep <= 0 {
		return
	}
	f.tail = append(f.tail, line)
	if over := len(f.tail) - f.keep; over > 0 {
		f.tail = append(f.tail[:0], f.tail[over:]...)
	}
}

// Tail returns up to the last n lines, oldest first.
func (f *lineFolder) Tail(n int) []string {
	if n <= 0 || n > len(f.tail) {
		n = len(f.tail)
	}
	out := make([]string, n)
	copy(out, f.tail[len(f.tail)-n:])
	return out
}
