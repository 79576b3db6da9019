package economics

import (
	"fmt"
	"sync"
)

// Minimum share a reservation may receive. Below this floor the pool
// refuses to reserve rather than hand out a budget too small to be useful.
const (
	minReserveTokens = 5_000
	minReserveCost   = 0.05
)

// Allocation is the share of the pool reserved for one child.
type Allocation struct {
	ID          string
	TokenBudget int
	CostBudget  float64
}

// Pool divides a parent's remaining token and cost budget among an
// expected number of children. Reservations hold their share until
// released; actual usage is debited permanently. Overrun past the
// reservation is permitted and simply reduces what later children see.
type Pool struct {
	mu sync.Mutex

	totalTokens int
	totalCost   float64

	reservedTokens int
	reservedCost   float64
	usedTokens     int
	usedCost       float64

	expectedChildren int
	issued           int
	reservations     map[string]Allocation
	overruns         int
}

// NewPool creates a pool over the given totals. expectedChildren sizes the
// per-child share; values below 1 are treated as 1.
func NewPool(totalTokens int, totalCost float64, expectedChildren int) *Pool {
	if expectedChildren < 1 {
		expectedChildren = 1
	}
	return &Pool{
		totalTokens:      totalTokens,
		totalCost:        totalCost,
		expectedChildren: expectedChildren,
		reservations:     make(map[string]Allocation),
	}
}

// Reserve carves out a share for allocationID sized as
// floor(available / expectedChildrenRemaining), clamped up to the minimum
// floor so a thin split still yields a usable budget. Returns nil only
// when less than the floor itself is available.
func (p *Pool) Reserve(allocationID string) *Allocation {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.reservations[allocationID]; exists {
		return nil
	}

	availTokens := p.totalTokens - p.reservedTokens - p.usedTokens
	availCost := p.totalCost - p.reservedCost - p.usedCost
	if availTokens < minReserveTokens || availCost < minReserveCost {
		return nil
	}

	remaining := p.expectedChildren - p.issued
	if remaining < 1 {
		remaining = 1
	}

	share := Allocation{
		ID:          allocationID,
		TokenBudget: availTokens / remaining,
		CostBudget:  availCost / float64(remaining),
	}
	if share.TokenBudget < minReserveTokens {
		share.TokenBudget = minReserveTokens
	}
	if share.CostBudget < minReserveCost {
		share.CostBudget = minReserveCost
	}

	p.reservedTokens += share.TokenBudget
	p.reservedCost += share.CostBudget
	p.reservations[allocationID] = share
	p.issued++
	return &share
}

// RecordUsage debits actual consumption against the reservation. Usage
// beyond the reserved share is counted as an overrun but not rejected.
func (p *Pool) RecordUsage(allocationID string, tokens int, cost float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	alloc, ok := p.reservations[allocationID]
	if !ok {
		return fmt.Errorf("no reservation %q in pool", allocationID)
	}
	if tokens > alloc.TokenBudget || cost > alloc.CostBudget {
		p.overruns++
	}
	p.usedTokens += tokens
	p.usedCost += cost
	return nil
}

// Release returns the unused portion of a reservation to the pool. It is
// a no-op for unknown ids so finalizers can call it unconditionally.
func (p *Pool) Release(allocationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	alloc, ok := p.reservations[allocationID]
	if !ok {
		return
	}
	delete(p.reservations, allocationID)
	p.reservedTokens -= alloc.TokenBudget
	p.reservedCost -= alloc.CostBudget
}

// Available returns the tokens and cost not reserved or consumed.
func (p *Pool) Available() (int, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalTokens - p.reservedTokens - p.usedTokens,
		p.totalCost - p.reservedCost - p.usedCost
}

// Used returns cumulative actual consumption.
func (p *Pool) Used() (int, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usedTokens, p.usedCost
}

// Overruns counts children that consumed past their reservation.
func (p *Pool) Overruns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overruns
}
