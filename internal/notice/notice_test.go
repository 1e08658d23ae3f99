package notice

import (
	"fmt"
	"sync"
	"testing"
)

func TestAggregator_RingBound(t *testing.T) {
	a := NewAggregator("s1", 3)
	for i := 0; i < 10; i++ {
		a.Record(LevelInfo, i, fmt.Sprintf("notice %d", i), nil)
	}

	s := a.Summary()
	if len(s.Recent) != 3 {
		t.Fatalf("expected ring bound of 3, got %d", len(s.Recent))
	}
	// Most recent entries survive.
	if s.Recent[0].Message != "notice 7" || s.Recent[2].Message != "notice 9" {
		t.Errorf("expected notices 7..9, got %q..%q", s.Recent[0].Message, s.Recent[2].Message)
	}
	// Counts cover evicted entries too.
	if s.Counts[LevelInfo] != 10 {
		t.Errorf("expected count 10, got %d", s.Counts[LevelInfo])
	}
}

func TestAggregator_LevelsAndSessionID(t *testing.T) {
	a := NewAggregator("s2", 10)
	a.Record(LevelWarning, 0, "w", nil)
	a.Record(LevelWarning, 1, "w", nil)
	a.Error(2, fmt.Errorf("boom"))

	if got := a.Count(LevelWarning); got != 2 {
		t.Errorf("expected 2 warnings, got %d", got)
	}
	if got := a.Count(LevelError); got != 1 {
		t.Errorf("expected 1 error, got %d", got)
	}

	s := a.Summary()
	if s.SessionID != "s2" {
		t.Errorf("expected session id s2, got %q", s.SessionID)
	}
	if s.Recent[2].BatchIndex != 2 {
		t.Errorf("expected batch index 2, got %d", s.Recent[2].BatchIndex)
	}
	if s.Recent[0].At.IsZero() {
		t.Error("expected timestamps to be filled in")
	}
}

func TestAggregator_Concurrent(t *testing.T) {
	a := NewAggregator("s3", 50)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				a.Record(LevelDebug, i, "d", nil)
			}
		}()
	}
	wg.Wait()

	if got := a.Count(LevelDebug); got != 800 {
		t.Errorf("expected 800 notices, got %d", got)
	}
	if got := len(a.Summary().Recent); got != 50 {
		t.Errorf("expected ring capped at 50, got %d", got)
	}
}

func TestAggregator_SummaryIsCopy(t *testing.T) {
	a := NewAggregator("s4", 5)
	a.Record(LevelInfo, 0, "one", nil)

	s := a.Summary()
	s.Counts[LevelInfo] = 99
	s.Recent[0].Message = "mutated"

	if a.Count(LevelInfo) != 1 {
		t.Error("summary counts must be a copy")
	}
	if a.Summary().Recent[0].Message != "one" {
		t.Error("summary ring must be a copy")
	}
}
