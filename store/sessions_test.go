package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/axiomvoice/axiom/model"
)

func TestGetOrCreateIdempotent(t *testing.T) {
	s := NewSessions()

	first := s.GetOrCreate("CA1", "+15550001111")
	if first.State != model.StateGreeting {
		t.Fatalf("new session state = %q, want %q", first.State, model.StateGreeting)
	}
	if len(first.Turns) != 0 {
		t.Fatalf("new session has %d turns, want 0", len(first.Turns))
	}

	if err := s.AppendTurn("CA1", model.SpeakerCaller, "hello"); err != nil {
		t.Fatal(err)
	}

	second := s.GetOrCreate("CA1", "+15550001111")
	if len(second.Turns) != 1 {
		t.Fatalf("repeat GetOrCreate lost history: %d turns, want 1", len(second.Turns))
	}
	if s.Len() != 1 {
		t.Fatalf("store has %d sessions, want 1", s.Len())
	}
}

func TestAppendTurnUnknownCall(t *testing.T) {
	s := NewSessions()
	if err := s.AppendTurn("CAmissing", model.SpeakerCaller, "hi"); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("err = %v, want ErrUnknownCall", err)
	}
	if _, err := s.Turns("CAmissing"); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("err = %v, want ErrUnknownCall", err)
	}
}

func TestTurnOrderPreserved(t *testing.T) {
	s := NewSessions()
	s.GetOrCreate("CA1", "")

	for i := 0; i < 5; i++ {
		if err := s.AppendTurn("CA1", model.SpeakerCaller, fmt.Sprintf("q%d", i)); err != nil {
			t.Fatal(err)
		}
		if err := s.AppendTurn("CA1", model.SpeakerAssistant, fmt.Sprintf("a%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	turns, err := s.Turns("CA1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 10 {
		t.Fatalf("got %d turns, want 10", len(turns))
	}
	for i, turn := range turns {
		wantSpeaker := model.SpeakerCaller
		if i%2 == 1 {
			wantSpeaker = model.SpeakerAssistant
		}
		if turn.Speaker != wantSpeaker {
			t.Fatalf("turn %d speaker = %q, want %q", i, turn.Speaker, wantSpeaker)
		}
	}
}

func TestConcurrentAppendsSameCall(t *testing.T) {
	s := NewSessions()
	s.GetOrCreate("CA1", "")

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := s.AppendTurn("CA1", model.SpeakerCaller, fmt.Sprintf("w%d-%d", w, i)); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	turns, err := s.Turns("CA1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != workers*perWorker {
		t.Fatalf("got %d turns, want %d", len(turns), workers*perWorker)
	}
}

func TestConcurrentCallsIndependent(t *testing.T) {
	s := NewSessions()

	const calls = 10
	var wg sync.WaitGroup
	for c := 0; c < calls; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			sid := fmt.Sprintf("CA%d", c)
			s.GetOrCreate(sid, "")
			for i := 0; i < 20; i++ {
				if err := s.AppendTurn(sid, model.SpeakerCaller, "x"); err != nil {
					t.Errorf("append %s: %v", sid, err)
					return
				}
			}
		}(c)
	}
	wg.Wait()

	for c := 0; c < calls; c++ {
		turns, err := s.Turns(fmt.Sprintf("CA%d", c))
		if err != nil {
			t.Fatal(err)
		}
		if len(turns) != 20 {
			t.Fatalf("call %d has %d turns, want 20", c, len(turns))
		}
	}
}

func TestRepromptCounter(t *testing.T) {
	s := NewSessions()
	s.GetOrCreate("CA1", "")

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementReprompt("CA1")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("increment = %d, want %d", got, want)
		}
	}

	s.ResetReprompt("CA1")
	got, err := s.IncrementReprompt("CA1")
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Fatalf("increment after reset = %d, want 1", got)
	}
}

func TestTerminateInvokesEvictFunc(t *testing.T) {
	var evicted []model.CallSession
	s := NewSessions(WithEvictFunc(func(sess model.CallSession) {
		evicted = append(evicted, sess)
	}))

	s.GetOrCreate("CA1", "+15550001111")
	if err := s.AppendTurn("CA1", model.SpeakerCaller, "bye"); err != nil {
		t.Fatal(err)
	}

	s.Terminate("CA1")
	if s.Len() != 0 {
		t.Fatalf("store has %d sessions after terminate, want 0", s.Len())
	}
	if len(evicted) != 1 {
		t.Fatalf("evict callback ran %d times, want 1", len(evicted))
	}
	if evicted[0].State != model.StateTerminated {
		t.Fatalf("evicted state = %q, want %q", evicted[0].State, model.StateTerminated)
	}
	if len(evicted[0].Turns) != 1 {
		t.Fatalf("evicted session has %d turns, want 1", len(evicted[0].Turns))
	}

	// Terminating again is a no-op.
	s.Terminate("CA1")
	if len(evicted) != 1 {
		t.Fatalf("evict callback ran %d times after double terminate, want 1", len(evicted))
	}
}

func TestEvictExpired(t *testing.T) {
	clock := NewManualClock(time.Time{})
	var evicted []string
	s := NewSessions(
		WithClock(clock),
		WithTTL(30*time.Minute),
		WithEvictFunc(func(sess model.CallSession) {
			evicted = append(evicted, sess.CallSID)
		}),
	)

	s.GetOrCreate("CAold", "")
	clock.Advance(20 * time.Minute)
	s.GetOrCreate("CAfresh", "")

	if n := s.EvictExpired(); n != 0 {
		t.Fatalf("evicted %d before TTL, want 0", n)
	}

	clock.Advance(15 * time.Minute)
	if n := s.EvictExpired(); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if len(evicted) != 1 || evicted[0] != "CAold" {
		t.Fatalf("evicted = %v, want [CAold]", evicted)
	}
	if _, ok := s.Get("CAfresh"); !ok {
		t.Fatal("fresh session was evicted")
	}

	// Activity refreshes the idle timer.
	if err := s.AppendTurn("CAfresh", model.SpeakerCaller, "still here"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(25 * time.Minute)
	if n := s.EvictExpired(); n != 0 {
		t.Fatalf("evicted %d after activity, want 0", n)
	}
}

func TestSnapshotReturnsCopies(t *testing.T) {
	s := NewSessions()
	s.GetOrCreate("CA1", "")
	if err := s.AppendTurn("CA1", model.SpeakerCaller, "original"); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot has %d sessions, want 1", len(snap))
	}
	snap[0].Turns[0].Text = "mutated"

	turns, err := s.Turns("CA1")
	if err != nil {
		t.Fatal(err)
	}
	if turns[0].Text != "original" {
		t.Fatal("snapshot mutation leaked into the store")
	}
}
