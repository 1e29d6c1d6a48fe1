package mining

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

type memPersister struct {
	counter uint64
}

func (m *memPersister) LoadCounter() (uint64, error) { return m.counter, nil }
func (m *memPersister) SaveCounter(n uint64) error   { m.counter = n; return nil }

// TestNextPrefixUniqueness checks that every issued prefix for a given
// allocator is distinct.
func TestNextPrefixUniqueness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// Widths beyond 8 exercise the zero-padded counter rendering.
		r1Len := rapid.IntRange(1, 12).Draw(t, "r1Len")
		n := rapid.IntRange(1, 50).Draw(t, "n")

		e, err := NewExtendedExtranonce(r1Len+4, []byte{0xAA}, r1Len, &memPersister{})
		if err != nil {
			t.Fatalf("NewExtendedExtranonce: %v", err)
		}

		seen := make(map[string]bool)
		for i := 0; i < n; i++ {
			prefix, err := e.NextPrefix()
			if err != nil {
				t.Fatalf("NextPrefix: %v", err)
			}
			key := string(prefix)
			if seen[key] {
				t.Fatalf("duplicate extranonce prefix issued: %x", prefix)
			}
			seen[key] = true
		}
	})
}

func TestNextPrefixPersistsCounter(t *testing.T) {
	persist := &memPersister{}

	e1, err := NewExtendedExtranonce(8, nil, 4, persist)
	if err != nil {
		t.Fatalf("NewExtendedExtranonce: %v", err)
	}
	first, _ := e1.NextPrefix()
	second, _ := e1.NextPrefix()
	if bytes.Equal(first, second) {
		t.Fatalf("expected distinct prefixes")
	}

	// Simulate a restart: a fresh allocator backed by the same persister
	// must resume from where the counter left off rather than reissuing.
	e2, err := NewExtendedExtranonce(8, nil, 4, persist)
	if err != nil {
		t.Fatalf("NewExtendedExtranonce (resumed): %v", err)
	}
	third, _ := e2.NextPrefix()
	if bytes.Equal(third, first) || bytes.Equal(third, second) {
		t.Fatalf("restarted allocator reissued a prefix: %x", third)
	}
}

// TestNextPrefixWideR1 pins the default-configuration shape: a 32-byte
// extranonce with a 16-byte R1 range, where the counter occupies the low
// 8 bytes and the rest is zero padding.
func TestNextPrefixWideR1(t *testing.T) {
	e, err := NewExtendedExtranonce(32, nil, 16, &memPersister{})
	if err != nil {
		t.Fatalf("NewExtendedExtranonce: %v", err)
	}

	prefix, err := e.NextPrefix()
	if err != nil {
		t.Fatalf("NextPrefix: %v", err)
	}
	if len(prefix) != 16 {
		t.Fatalf("prefix length = %d, want 16", len(prefix))
	}
	if !bytes.Equal(prefix[:8], make([]byte, 8)) {
		t.Fatalf("expected zero padding in the high R1 bytes, got %x", prefix[:8])
	}
	if e.R2Len() != 16 {
		t.Fatalf("R2Len = %d, want 16", e.R2Len())
	}
}

func TestNewExtendedExtranonceRejectsOversizedRanges(t *testing.T) {
	_, err := NewExtendedExtranonce(4, []byte{1, 2}, 4, nil)
	if err == nil {
		t.Fatalf("expected an error when r0+r1 exceeds the extranonce size")
	}
}

func TestFixExtranonce(t *testing.T) {
	prefix := []byte{1, 2, 3, 4}
	suffix := []byte{5, 6, 7, 8}

	full, err := FixExtranonce(prefix, suffix, 8)
	if err != nil {
		t.Fatalf("FixExtranonce: %v", err)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if !bytes.Equal(full, want) {
		t.Fatalf("FixExtranonce = %x, want %x", full, want)
	}

	if _, err := FixExtranonce(prefix, suffix, 9); err == nil {
		t.Fatalf("expected an error on width mismatch")
	}
}
