package mutable

import (
	"context"
	"sync"
)

type (
	// Pusher routes mutations to destinations of their contexts. Pusher
	// is safe for concurrent use.
	Pusher struct {
		mu           sync.Mutex
		destinations map[Context]Destination
		mutations    map[Destination]Mutations
	}

	// Destination is a channel that used as source of mutations.
	Destination chan Mutations
)

// NewPusher creates new pusher.
func NewPusher() *Pusher {
	return &Pusher{
		destinations: make(map[Context]Destination),
		mutations:    make(map[Destination]Mutations),
	}
}

// NewDestination returns destination with buffer for a single set of
// mutations.
func NewDestination() Destination {
	return make(chan Mutations, 1)
}

// AddDestination adds new mapping of mutable context to destination.
func (p *Pusher) AddDestination(ctx Context, d Destination) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destinations[ctx] = d
}

// Put mutations to the pusher. Function will panic if pusher contains
// unknown context.
func (p *Pusher) Put(mutations ...Mutation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range mutations {
		if d, ok := p.destinations[m.Context]; ok {
			p.mutations[d] = p.mutations[d].Put(m)
			continue
		}
		panic("unknown mutable context")
	}
}

// Push mutations to the destinations. If destination still holds previous
// mutations, they are merged with the new ones.
func (p *Pusher) Push(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for d, ms := range p.mutations {
		if ms == nil {
			continue
		}
		// merge with mutations that weren't consumed yet
		select {
		case pending := <-d:
			ms = pending.Append(ms)
		default:
		}
		select {
		case d <- ms:
			p.mutations[d] = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Drain returns mutations queued in destination without blocking.
func (d Destination) Drain() Mutations {
	select {
	case ms := <-d:
		return ms
	default:
		return nil
	}
}
