package logstore

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func appEntry(term uint64, payload string) LogEntry {
	return LogEntry{Term: term, Payload: []byte(payload), Type: AppData}
}

func TestStore_AppendMonotonic(t *testing.T) {
	s := New()
	defer s.Close()

	for i := 0; i < 10; i++ {
		expected := s.NextSlot()
		idx := s.Append(appEntry(1, fmt.Sprintf("e%d", i)))
		if idx != expected {
			t.Fatalf("append %d: expected index %d, got %d", i, expected, idx)
		}
		if s.NextSlot()-1 != idx {
			t.Fatalf("next slot %d does not follow index %d", s.NextSlot(), idx)
		}
	}
}

func TestStore_AppendStoresClone(t *testing.T) {
	s := New()
	defer s.Close()

	e := appEntry(1, "abc")
	idx := s.Append(e)
	e.Payload[0] = 'x'

	got, err := s.EntryAt(idx)
	if err != nil {
		t.Fatalf("EntryAt failed: %v", err)
	}
	if string(got.Payload) != "abc" {
		t.Fatalf("stored entry was aliased: %q", got.Payload)
	}

	got.Payload[0] = 'y'
	again, _ := s.EntryAt(idx)
	if string(again.Payload) != "abc" {
		t.Fatalf("returned entry was aliased: %q", again.Payload)
	}
}

func TestStore_ConcreteScenario(t *testing.T) {
	s := New()
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Append(appEntry(1, fmt.Sprintf("e%d", i)))
	}
	if s.NextSlot() != 4 {
		t.Fatalf("expected next slot 4, got %d", s.NextSlot())
	}

	s.Compact(2)
	if s.StartIndex() != 3 {
		t.Fatalf("expected start index 3, got %d", s.StartIndex())
	}
	if _, err := s.EntryAt(1); !errors.Is(err, ErrCompacted) {
		t.Fatalf("expected ErrCompacted for index 1, got %v", err)
	}

	eX := appEntry(2, "X")
	if err := s.WriteAt(3, eX); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if s.NextSlot() != 4 {
		t.Fatalf("expected next slot 4 after WriteAt, got %d", s.NextSlot())
	}
	got, err := s.EntryAt(3)
	if err != nil {
		t.Fatalf("EntryAt(3) failed: %v", err)
	}
	if got.Term != 2 || string(got.Payload) != "X" {
		t.Fatalf("unexpected entry at 3: %+v", got)
	}
}

func TestStore_CompactWatermarkAcrossGaps(t *testing.T) {
	s := New()
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Append(appEntry(1, "e"))
	}

	// compact far beyond what exists
	s.Compact(10)
	if s.StartIndex() != 11 {
		t.Fatalf("expected start index 11, got %d", s.StartIndex())
	}
	if s.NextSlot() != 11 {
		t.Fatalf("expected next slot 11, got %d", s.NextSlot())
	}
	if idx := s.Append(appEntry(2, "after")); idx != 11 {
		t.Fatalf("expected append at 11, got %d", idx)
	}
	for i := uint64(1); i <= 10; i++ {
		if _, err := s.EntryAt(i); err == nil {
			t.Fatalf("index %d should be absent", i)
		}
	}

	// compacting below the watermark is a no-op
	s.Compact(5)
	if s.StartIndex() != 11 {
		t.Fatalf("start index moved backwards: %d", s.StartIndex())
	}
}

func TestStore_CompactRemembersBoundaryTerm(t *testing.T) {
	s := New()
	defer s.Close()

	s.Append(appEntry(1, "a"))
	s.Append(appEntry(3, "b"))
	s.Append(appEntry(3, "c"))
	s.Compact(2)

	if s.BoundaryTerm() != 3 {
		t.Fatalf("expected boundary term 3, got %d", s.BoundaryTerm())
	}
	if _, err := s.TermAt(2); !errors.Is(err, ErrCompacted) {
		t.Fatalf("TermAt below start must fail explicitly, got %v", err)
	}
}

func TestStore_WriteAtTruncates(t *testing.T) {
	s := New()
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.Append(appEntry(1, fmt.Sprintf("e%d", i)))
	}

	e := appEntry(2, "new")
	if err := s.WriteAt(3, e); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	got, err := s.Entries(3, s.NextSlot())
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one entry from 3, got %d", len(got))
	}
	if got[0].Term != 2 || string(got[0].Payload) != "new" {
		t.Fatalf("unexpected entry: %+v", got[0])
	}
	for _, idx := range []uint64{4, 5} {
		if _, err := s.EntryAt(idx); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("index %d should be gone, got %v", idx, err)
		}
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", s.Len())
	}
}

func TestStore_WriteAtBounds(t *testing.T) {
	s := New()
	defer s.Close()

	s.Append(appEntry(1, "a"))
	s.Append(appEntry(1, "b"))
	s.Compact(1)

	if err := s.WriteAt(1, appEntry(2, "x")); !errors.Is(err, ErrCompacted) {
		t.Fatalf("expected ErrCompacted, got %v", err)
	}
	if err := s.WriteAt(5, appEntry(2, "x")); !errors.Is(err, ErrGap) {
		t.Fatalf("expected ErrGap, got %v", err)
	}
	// writing at the next slot is a plain append
	if err := s.WriteAt(3, appEntry(2, "c")); err != nil {
		t.Fatalf("WriteAt next slot failed: %v", err)
	}
	if s.NextSlot() != 4 {
		t.Fatalf("expected next slot 4, got %d", s.NextSlot())
	}
}

func TestStore_MissingIndexFailsExplicitly(t *testing.T) {
	s := New()
	defer s.Close()

	s.Append(appEntry(1, "a"))

	if _, err := s.EntryAt(7); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := s.TermAt(7); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := s.EntryAt(0); !errors.Is(err, ErrCompacted) {
		t.Fatalf("dummy index 0 must not be served, got %v", err)
	}
	if _, err := s.Entries(1, 3); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for range past the end, got %v", err)
	}
}

func TestStore_LastEntry(t *testing.T) {
	s := New()
	defer s.Close()

	empty := s.LastEntry()
	if empty.Index != 0 || empty.Term != 0 {
		t.Fatalf("unexpected last entry of empty store: %+v", empty)
	}

	s.Append(appEntry(4, "a"))
	last := s.LastEntry()
	if last.Index != 1 || last.Term != 4 {
		t.Fatalf("unexpected last entry: %+v", last)
	}
}

func TestStore_EntriesExt(t *testing.T) {
	s := New()
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.Append(appEntry(1, "0123456789")) // 10 bytes each
	}

	all, err := s.EntriesExt(1, 6, 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("unbounded hint: expected 5 entries, got %d (%v)", len(all), err)
	}

	limited, err := s.EntriesExt(1, 6, 25)
	if err != nil {
		t.Fatalf("EntriesExt failed: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("expected batching to stop after 3 entries, got %d", len(limited))
	}

	none, err := s.EntriesExt(1, 6, -1)
	if err != nil || len(none) != 0 {
		t.Fatalf("negative hint: expected empty result, got %d (%v)", len(none), err)
	}
}

func TestStore_ApplySnapshot(t *testing.T) {
	s := New()
	defer s.Close()

	for i := 0; i < 4; i++ {
		s.Append(appEntry(1, "a"))
	}
	s.ApplySnapshot(20, 5)

	if s.StartIndex() != 21 || s.NextSlot() != 21 {
		t.Fatalf("unexpected bounds after snapshot: start=%d next=%d", s.StartIndex(), s.NextSlot())
	}
	if s.BoundaryTerm() != 5 {
		t.Fatalf("expected boundary term 5, got %d", s.BoundaryTerm())
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty log, got %d entries", s.Len())
	}
	if last := s.LastEntry(); last.Index != 20 || last.Term != 5 {
		t.Fatalf("unexpected last entry: %+v", last)
	}
}

func TestStore_WithStartIndex(t *testing.T) {
	s := New(WithStartIndex(42))
	defer s.Close()

	if s.StartIndex() != 42 || s.NextSlot() != 42 {
		t.Fatalf("unexpected bounds: start=%d next=%d", s.StartIndex(), s.NextSlot())
	}
	if idx := s.Append(appEntry(1, "a")); idx != 42 {
		t.Fatalf("expected first append at 42, got %d", idx)
	}
}

func TestStore_FlushWithoutDelay(t *testing.T) {
	s := New()
	defer s.Close()

	s.Append(appEntry(1, "a"))
	s.Append(appEntry(1, "b"))
	if s.LastDurableIndex() != 2 {
		t.Fatalf("durability should be synchronous, got %d", s.LastDurableIndex())
	}
	if !s.Flush() {
		t.Fatal("Flush returned false")
	}
	if !bytes.Equal(s.LastEntry().Payload, []byte("b")) {
		t.Fatal("Flush changed the log")
	}
}
