package rabbitmq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Decision
	}{
		{"accepted", nil, Ack},
		{"duplicate", fmt.Errorf("create: %w", domain.ErrDuplicateTask), Ack},
		{"shutting down", fmt.Errorf("create task: %w", domain.ErrShuttingDown), Requeue},
		{"unknown agent", domain.ErrUnknownAgent, Discard},
		{"other", errors.New("boom"), Discard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decide(tt.err); got != tt.want {
				t.Fatalf("decide(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestDecodeRequest(t *testing.T) {
	req, err := decodeRequest([]byte(`{"id":"t1","agent_name":"research","priority":2,"input":{"q":"x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.ID != "t1" || req.AgentName != "research" || req.Priority != domain.PriorityHigh || string(req.Input) != `{"q":"x"}` {
		t.Fatalf("req = %+v", req)
	}

	if _, err := decodeRequest([]byte(`{"id":"t2"}`)); !errors.Is(err, domain.ErrInvalidTask) {
		t.Fatalf("err = %v", err)
	}
	if _, err := decodeRequest([]byte(`not json`)); err == nil {
		t.Fatal("expected a decode error")
	}
}

func TestAMQPPriority(t *testing.T) {
	tests := map[domain.Priority]uint8{
		domain.PriorityCritical: 4,
		domain.PriorityHigh:     3,
		domain.PriorityNormal:   2,
		domain.PriorityLow:      1,
		0:                       2,
		9:                       2,
	}
	for p, want := range tests {
		if got := amqpPriority(p); got != want {
			t.Errorf("amqpPriority(%d) = %d, want %d", p, got, want)
		}
	}
}
