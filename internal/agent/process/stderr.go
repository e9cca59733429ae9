package process

import (
	"bufio"
	"io"
	"sync"
)

// stderrLineLimit bounds how many stderr lines are retained for error
// context on dirty exits.
const stderrLineLimit = 40

// stderrBuffer is a bounded FIFO of the child's most recent stderr lines.
// It keeps dirty-exit diagnostics without risking unbounded memory on
// chatty children.
type stderrBuffer struct {
	mu    sync.Mutex
	tail  []string
	limit int
}

func newStderrBuffer() *stderrBuffer {
	return &stderrBuffer{limit: stderrLineLimit}
}

func (b *stderrBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tail = append(b.tail, line)
	if len(b.tail) > b.limit {
		b.tail = b.tail[len(b.tail)-b.limit:]
	}
}

func (b *stderrBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.tail))
	copy(out, b.tail)
	return out
}

// drainStderr consumes the child's stderr pipe until EOF.
func (h *Handle) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		h.stderr.append(scanner.Text())
	}
}
