package source

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfClassified(t *testing.T) {
	err := NewError(KindAuthExpired, "shopmart", OpDetail, "401", nil)
	if KindOf(err) != KindAuthExpired {
		t.Errorf("kind: got %v", KindOf(err))
	}
	// Wrapping must not hide the kind.
	wrapped := fmt.Errorf("attempt 3: %w", err)
	if KindOf(wrapped) != KindAuthExpired {
		t.Errorf("wrapped kind: got %v", KindOf(wrapped))
	}
}

func TestKindOfUnclassifiedIsTransient(t *testing.T) {
	if KindOf(errors.New("connection reset")) != KindTransient {
		t.Error("unclassified errors must default to transient")
	}
}

func TestRetryableAndTerminal(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
		terminal  bool
	}{
		{KindTransient, true, false},
		{KindRateLimited, true, false},
		{KindAuthExpired, false, false},
		{KindChallengeBlocked, false, false},
		{KindNotFound, false, true},
		{KindParseFailure, false, true},
	}
	for _, c := range cases {
		err := NewError(c.kind, "s", OpSearch, "x", nil)
		if Retryable(err) != c.retryable {
			t.Errorf("%v: Retryable = %v, want %v", c.kind, Retryable(err), c.retryable)
		}
		if Terminal(err) != c.terminal {
			t.Errorf("%v: Terminal = %v, want %v", c.kind, Terminal(err), c.terminal)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(KindTransient, "s", OpSearch, "fetch", cause)
	if !errors.Is(err, cause) {
		t.Error("cause lost through Unwrap")
	}
}

func TestTaskRecordFailure(t *testing.T) {
	task := &Task{ID: "t1"}
	task.RecordFailure(errors.New("first"))
	task.RecordFailure(errors.New("second"))
	if task.LastErr != "second" {
		t.Errorf("LastErr: got %q", task.LastErr)
	}
	if len(task.History) != 2 || task.History[0] != "first" {
		t.Errorf("history: got %v", task.History)
	}
}
