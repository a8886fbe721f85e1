package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTaskCloneCopiesPayloads(t *testing.T) {
	started := time.Now()
	orig := &Task{
		ID:        "t1",
		Input:     json.RawMessage(`{"a":1}`),
		Context:   json.RawMessage(`{"b":2}`),
		Result:    json.RawMessage(`{"c":3}`),
		StartedAt: &started,
	}

	cp := orig.Clone()
	cp.Input[2] = 'x'
	cp.Context[2] = 'x'
	cp.Result[2] = 'x'
	*cp.StartedAt = started.Add(time.Hour)

	if string(orig.Input) != `{"a":1}` || string(orig.Context) != `{"b":2}` || string(orig.Result) != `{"c":3}` {
		t.Fatalf("clone shares payload bytes: %s %s %s", orig.Input, orig.Context, orig.Result)
	}
	if !orig.StartedAt.Equal(started) {
		t.Fatal("clone shares started_at")
	}

	empty := (&Task{ID: "t2"}).Clone()
	if empty.Input != nil || empty.Result != nil {
		t.Fatal("nil payloads became non nil")
	}
}
