// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package history_test

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/aaronc/tools.nrepl/history"
)

func mustOpen(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: unexpected error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddList(t *testing.T) {
	s := mustOpen(t)

	for i, code := range []string{"(+ 1 2)", "(def x 3)", "x"} {
		seq, err := s.Add("sess-a", code)
		if err != nil {
			t.Fatalf("Add %q: unexpected error: %v", code, err)
		}
		if seq != i+1 {
			t.Errorf("Add %q: seq = %d, want %d", code, seq, i+1)
		}
	}
	s.Add("sess-b", "(other)")

	got, err := s.List("sess-a")
	if err != nil {
		t.Fatalf("List: unexpected error: %v", err)
	}
	want := []history.Entry{
		{Seq: 1, Code: "(+ 1 2)"},
		{Seq: 2, Code: "(def x 3)"},
		{Seq: 3, Code: "x"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List (-want, +got):\n%s", diff)
	}
}

func TestListEmpty(t *testing.T) {
	s := mustOpen(t)
	got, err := s.List("nonesuch")
	if err != nil {
		t.Fatalf("List: unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("List of unknown session: got %v, want empty", got)
	}
}

func TestDrop(t *testing.T) {
	s := mustOpen(t)
	s.Add("sess-a", "(+ 1 2)")
	if err := s.Drop("sess-a"); err != nil {
		t.Fatalf("Drop: unexpected error: %v", err)
	}
	if got, _ := s.List("sess-a"); len(got) != 0 {
		t.Errorf("List after drop: got %v, want empty", got)
	}
	if err := s.Drop("nonesuch"); err != nil {
		t.Errorf("Drop of unknown session: unexpected error: %v", err)
	}
}
