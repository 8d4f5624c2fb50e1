package health

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

// Probe is evaluated at request time
// nil = OK non-nil = FAIL with reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always returns ok or fails with the given reason
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes only if every non-nil probe passes; returns the first error.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Latch fails with its reason until Open is called, then passes for good.
type Latch struct {
	once   sync.Once
	open   atomic.Bool
	reason string
}

func NewLatch(reason string) *Latch {
	if reason == "" {
		reason = "not ready"
	}
	return &Latch{reason: reason}
}

func (l *Latch) Open() { l.once.Do(func() { l.open.Store(true) }) }

func (l *Latch) IsOpen() bool { return l.open.Load() }

func (l *Latch) Probe() CheckFunc {
	return func(context.Context) error {
		if l.open.Load() {
			return nil
		}
		return xerrors.New(l.reason)
	}
}

// ShutdownGate flips readiness to false during drain/shutdown.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.reason.Store(reason)
	g.draining.Store(true)
}

func (g *ShutdownGate) Clear() {
	g.draining.Store(false)
	g.reason.Store("")
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "draining"
		}
		return xerrors.New(r)
	}
}
