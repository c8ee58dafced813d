package logbuf

import (
	"testing"
	"time"
)

func TestRingBasicWrite(t *testing.T) {
	r := New(5)
	r.Write([]byte("line 1\nline 2\nline 3\n"))

	lines := r.Lines()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0] != "line 1" || lines[1] != "line 2" || lines[2] != "line 3" {
		t.Errorf("unexpected lines: %v", lines)
	}
}

func TestRingOverflow(t *testing.T) {
	r := New(3)
	r.Write([]byte("a\nb\nc\nd\ne\n"))

	lines := r.Lines()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0] != "c" || lines[1] != "d" || lines[2] != "e" {
		t.Errorf("expected [c d e], got %v", lines)
	}
}

func TestRingPartialWrites(t *testing.T) {
	r := New(5)
	r.Write([]byte("hel"))
	r.Write([]byte("lo world\n"))
	r.Write([]byte("second line\n"))

	lines := r.Lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0] != "hello world" {
		t.Errorf("expected 'hello world', got %q", lines[0])
	}
}

func TestRingSince(t *testing.T) {
	r := New(10)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.Append(base, "old")
	r.Append(base.Add(time.Second), "edge")
	r.Append(base.Add(2*time.Second), "new")

	got := r.Since(base.Add(time.Second))
	if len(got) != 1 || got[0] != "new" {
		t.Errorf("expected [new], got %v", got)
	}
}

func TestRingEmpty(t *testing.T) {
	r := New(5)
	lines := r.Lines()
	if len(lines) != 0 {
		t.Errorf("expected empty, got %v", lines)
	}
}

func TestStoreIsolatesTasks(t *testing.T) {
	s := NewStore(2)
	base := time.Now()
	s.Ring("a").Append(base, "a1")
	s.Ring("b").Append(base, "b1")
	s.Ring("a").Append(base, "a2")
	s.Ring("a").Append(base, "a3")

	got := s.Since("a", time.Time{})
	if len(got) != 2 || got[0] != "a2" || got[1] != "a3" {
		t.Errorf("expected [a2 a3], got %v", got)
	}
	if got := s.Since("missing", time.Time{}); got != nil {
		t.Errorf("expected nil for unknown task, got %v", got)
	}

	s.Remove("b")
	if got := s.Since("b", time.Time{}); got != nil {
		t.Errorf("expected nil after remove, got %v", got)
	}
}
