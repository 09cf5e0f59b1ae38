package slug

import (
	"context"
	"errors"
	"strings"
	"testing"

	apperr "github.com/honeydew/honeydew/internal/errors"
)

// fakeChecker reports the first taken calls as collisions and records the
// candidates it saw.
type fakeChecker struct {
	taken int
	seen  []string
	err   error
}

func (f *fakeChecker) Exists(ctx context.Context, id string) (bool, error) {
	f.seen = append(f.seen, id)
	if f.err != nil {
		return false, f.err
	}
	return len(f.seen) <= f.taken, nil
}

func TestGenerateIDDefaults(t *testing.T) {
	g := New(&fakeChecker{}, "", 0)
	id, err := g.GenerateID(context.Background())
	if err != nil {
		t.Fatalf("GenerateID: %v", err)
	}
	if len(id) != DefaultSize {
		t.Errorf("len(id) = %d, want %d", len(id), DefaultSize)
	}
	for _, c := range id {
		if !strings.ContainsRune(DefaultAlphabet, c) {
			t.Errorf("id %q contains %q outside the alphabet", id, c)
		}
	}
}

func TestGenerateIDGrowsAfterCollisions(t *testing.T) {
	checker := &fakeChecker{taken: 8}
	g := New(checker, "ab", 5)

	id, err := g.GenerateID(context.Background())
	if err != nil {
		t.Fatalf("GenerateID: %v", err)
	}
	wantLens := []int{5, 5, 5, 5, 5, 5, 6, 7, 8}
	if len(checker.seen) != len(wantLens) {
		t.Fatalf("attempts = %d, want %d", len(checker.seen), len(wantLens))
	}
	for i, cand := range checker.seen {
		if len(cand) != wantLens[i] {
			t.Errorf("attempt %d length = %d, want %d", i, len(cand), wantLens[i])
		}
	}
	if id != checker.seen[len(checker.seen)-1] {
		t.Errorf("returned %q, want last candidate", id)
	}
}

func TestGenerateIDExhausted(t *testing.T) {
	checker := &fakeChecker{taken: 100}
	g := New(checker, "", 0)

	_, err := g.GenerateID(context.Background())
	if !errors.Is(err, apperr.ErrSlugExhausted) {
		t.Fatalf("err = %v, want ErrSlugExhausted", err)
	}
	if len(checker.seen) != maxAttempts {
		t.Errorf("attempts = %d, want %d", len(checker.seen), maxAttempts)
	}
}

func TestGenerateIDCheckerError(t *testing.T) {
	g := New(&fakeChecker{err: errors.New("db down")}, "", 0)
	if _, err := g.GenerateID(context.Background()); err == nil {
		t.Fatal("expected the checker error to surface")
	}
}

func TestRandomUsesWholeAlphabet(t *testing.T) {
	g := New(&fakeChecker{}, "xyz", 3)
	counts := map[rune]int{}
	for i := 0; i < 200; i++ {
		s, err := g.random(6)
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range s {
			counts[c]++
		}
	}
	if len(counts) != 3 {
		t.Errorf("saw characters %v, want exactly x, y and z", counts)
	}
}

func TestNewRejectsUnusableAlphabet(t *testing.T) {
	for _, alphabet := range []string{strings.Repeat("xy", 200), "xé", "x/"} {
		g := New(&fakeChecker{}, alphabet, 4)
		if g.alphabet != DefaultAlphabet {
			t.Errorf("New(%q) kept the alphabet, want the default", alphabet)
		}
		id, err := g.GenerateID(context.Background())
		if err != nil {
			t.Fatalf("GenerateID: %v", err)
		}
		if len(id) != 4 {
			t.Errorf("len(id) = %d, want 4", len(id))
		}
	}
}
