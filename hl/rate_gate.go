package hl

import (
	"context"
	"sync"
	"time"
)

// RateGate spaces order actions across every executor of the process, since
// Hyperliquid rate limits by IP as well as by address.
type RateGate interface {
	// Wait blocks until the caller may act or ctx ends.
	Wait(ctx context.Context) error
	// Cooldown holds every caller back for at least d.
	Cooldown(d time.Duration)
}

const (
	defaultRateGateSpacing = 300 * time.Millisecond
	// address limited accounts get roughly one action per 10s
	rateLimitCooldown = 10 * time.Second
)

// NewRateGate returns a gate handing out slots at least minSpacing apart. A
// non-positive spacing selects 300ms.
func NewRateGate(minSpacing time.Duration) RateGate {
	if minSpacing <= 0 {
		minSpacing = defaultRateGateSpacing
	}
	return &slotGate{spacing: minSpacing}
}

type slotGate struct {
	mu      sync.Mutex
	spacing time.Duration
	// free is the earliest time the next slot can be handed out.
	free time.Time
}

// Wait re-checks after every sleep so that a Cooldown issued while waiting
// still applies.
func (g *slotGate) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		g.mu.Lock()
		now := time.Now()
		if !now.Before(g.free) {
			g.free = now.Add(g.spacing)
			g.mu.Unlock()
			return nil
		}
		delay := g.free.Sub(now)
		g.mu.Unlock()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *slotGate) Cooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)

	g.mu.Lock()
	if until.After(g.free) {
		g.free = until
	}
	g.mu.Unlock()
}
