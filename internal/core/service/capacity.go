package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
)

// CapacityPool is a named set of counting semaphores, one per agent type.
// Capacity is strictly local to the node.
type CapacityPool struct {
	mu     sync.Mutex
	agents map[string]*domain.AgentCapacity
}

// NewCapacityPool creates a pool from agent name -> max concurrency.
// Non-positive maxima are kept as zero capacity agents that never dispatch.
func NewCapacityPool(limits map[string]int) *CapacityPool {
	agents := make(map[string]*domain.AgentCapacity, len(limits))
	for name, limit := range limits {
		if limit < 0 {
			limit = 0
		}
		agents[name] = &domain.AgentCapacity{Max: limit}
	}
	return &CapacityPool{agents: agents}
}

// Has reports whether the agent type is configured.
func (p *CapacityPool) Has(agentName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.agents[agentName]
	return ok
}

// IsAvailable reports whether one more task of agentName may run.
func (p *CapacityPool) IsAvailable(agentName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isAvailable(agentName)
}

func (p *CapacityPool) isAvailable(agentName string) bool {
	c, ok := p.agents[agentName]
	return ok && c.Current < c.Max
}

// Reserve takes one slot of agentName.
func (p *CapacityPool) Reserve(agentName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.agents[agentName]
	if !ok {
		return fmt.Errorf("reserve %q: %w", agentName, domain.ErrUnknownAgent)
	}
	if c.Current >= c.Max {
		return fmt.Errorf("reserve %q: %w", agentName, domain.ErrCapacityExhausted)
	}
	c.Current++
	return nil
}

// tryReserve checks and reserves under one lock.
func (p *CapacityPool) tryReserve(agentName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isAvailable(agentName) {
		return false
	}
	p.agents[agentName].Current++
	return true
}

// Release frees one slot of agentName, never going below zero.
func (p *CapacityPool) Release(agentName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.agents[agentName]; ok && c.Current > 0 {
		c.Current--
	}
}

// Get returns the capacity of one agent type.
func (p *CapacityPool) Get(agentName string) (domain.AgentCapacity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.agents[agentName]
	if !ok {
		return domain.AgentCapacity{}, false
	}
	return *c, true
}

// Snapshot copies every agent capacity.
func (p *CapacityPool) Snapshot() map[string]domain.AgentCapacity {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]domain.AgentCapacity, len(p.agents))
	for name, c := range p.agents {
		out[name] = *c
	}
	return out
}

// Names returns the configured agent types, sorted.
func (p *CapacityPool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.agents))
	for name := range p.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load returns total current / total max across all agents, 0 with no capacity.
func (p *CapacityPool) Load() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var current, total int
	for _, c := range p.agents {
		current += c.Current
		total += c.Max
	}
	if total == 0 {
		return 0
	}
	return float64(current) / float64(total)
}
