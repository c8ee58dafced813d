package logbuf

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

// Entry is one captured line and the time it was written.
type Entry struct {
	Time time.Time
	Line string
}

// Ring is a thread-safe ring buffer that stores the last N lines of output.
// It implements io.Writer so it can be used as stdout/stderr for a process.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	full    bool
	now     func() time.Time
	// partial holds an incomplete line (no trailing newline yet)
	partial bytes.Buffer
}

// New creates a ring buffer that stores the last n lines.
func New(n int) *Ring {
	if n < 1 {
		n = 1
	}
	return &Ring{
		entries: make([]Entry, n),
		size:    n,
		now:     time.Now,
	}
}

// Write implements io.Writer. Splits input on newlines and stores each line.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.partial.Write(p)

	for {
		line, err := r.partial.ReadString('\n')
		if err != nil {
			r.partial.Reset()
			r.partial.WriteString(line)
			break
		}
		r.add(Entry{Time: r.now(), Line: strings.TrimRight(line, "\n")})
	}

	return len(p), nil
}

// Append stores a complete line with an explicit timestamp.
func (r *Ring) Append(at time.Time, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(Entry{Time: at, Line: line})
}

func (r *Ring) add(e Entry) {
	r.entries[r.pos] = e
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

// Entries returns all stored entries in order, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		result := make([]Entry, r.pos)
		copy(result, r.entries[:r.pos])
		return result
	}

	result := make([]Entry, r.size)
	copy(result, r.entries[r.pos:])
	copy(result[r.size-r.pos:], r.entries[:r.pos])
	return result
}

// Lines returns all stored lines in order, oldest first.
func (r *Ring) Lines() []string {
	entries := r.Entries()
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Line
	}
	return lines
}

// Since returns the lines written strictly after t.
func (r *Ring) Since(t time.Time) []string {
	var lines []string
	for _, e := range r.Entries() {
		if e.Time.After(t) {
			lines = append(lines, e.Line)
		}
	}
	return lines
}
