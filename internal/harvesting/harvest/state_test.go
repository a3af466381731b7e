package harvest

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateStarted, StateFetching, true},
		{StateStarted, StateSucceeded, false},
		{StateFetching, StateFetching, true},
		{StateFetching, StateCheckpointing, true},
		{StateFetching, StateSucceeded, true},
		{StateFetching, StateAborted, false},
		{StateCheckpointing, StateFetching, true},
		{StateCheckpointing, StateAborted, true},
		{StateCheckpointing, StateSucceeded, false},
		{StateSucceeded, StateFetching, false},
		{StateAborted, StateFetching, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMachine_RejectsInvalid(t *testing.T) {
	m := newMachine(time.Now)
	if err := m.to(StateAborted, "nope"); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if m.current != StateStarted || len(m.history) != 0 {
		t.Fatal("rejected transition must not change state")
	}

	_ = m.to(StateFetching, "go")
	_ = m.to(StateCheckpointing, "flush")
	_ = m.to(StateAborted, "stop")
	if !m.current.Terminal() || len(m.history) != 3 {
		t.Errorf("unexpected machine state %s with %d transitions", m.current, len(m.history))
	}
}

func TestResultSet_Add(t *testing.T) {
	s := NewResultSet()
	s.Add(recs("a", "b", "", "a"), 0)
	if s.Len() != 3 || s.Duplicates() != 1 {
		t.Fatalf("expected 3 records and 1 duplicate, got %d/%d", s.Len(), s.Duplicates())
	}

	added := s.Add(recs("c", "d", "e"), 4)
	if added != 1 || s.Len() != 4 {
		t.Errorf("limit not honoured: added=%d len=%d", added, s.Len())
	}

	out := s.Records()
	out[0].ID = "mutated"
	if s.Records()[0].ID != "a" {
		t.Error("Records must return a copy")
	}
}

func recs(ids ...string) []domain.Record {
	out := make([]domain.Record, len(ids))
	for i, id := range ids {
		out[i] = domain.Record{ID: id}
	}
	return out
}

func TestRun_LogsInvalidTransition(t *testing.T) {
	var buf bytes.Buffer
	r := &run{
		fsm: newMachine(time.Now),
		log: slog.New(slog.NewTextHandler(&buf, nil)),
	}

	r.to(StateSucceeded, "skipped fetching")

	if !strings.Contains(buf.String(), "Invalid run transition") {
		t.Errorf("expected invalid transition to be logged, got %q", buf.String())
	}
	if r.fsm.current != StateStarted {
		t.Errorf("expected state to stay STARTED, got %s", r.fsm.current)
	}

	buf.Reset()
	r.to(StateFetching, "run started")
	if buf.Len() != 0 {
		t.Errorf("valid transition should not log, got %q", buf.String())
	}
}
