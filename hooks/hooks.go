// Package hooks is the instrumentation hook bus of the inspector. The agent
// framework emits structured payloads at a fixed catalogue of named
// observation points; observers register callbacks per name and receive every
// emission in registration order.
//
// The bus decouples emit sites from observers: emissions with zero
// subscribers cost a single map lookup, subscriber faults are logged and
// swallowed, and subscribers must treat payloads as immutable views. Hooks
// carry observational data only and never feed results back into agent code.
package hooks

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"
)

// warnEvery throttles subscriber failure logs so a hot emit site with a
// broken observer cannot flood the log.
var warnEvery = rate.Sometimes{First: 5, Interval: time.Minute}

type (
	// Name identifies an observation point. Emitting an unknown name is a
	// no-op; subscribers may register for names the running framework never
	// fires.
	Name string

	// Callback reacts to a single hook emission. A returned error is logged
	// at WARN and swallowed; it never reaches the emitting operation.
	// Callbacks are invoked synchronously in the emitter's goroutine and in
	// registration order within a name. Callbacks must not mutate p.
	Callback func(ctx context.Context, name Name, p Payload) error

	// Subscription is the handle returned by Register. Closing it removes
	// the registration; Close is idempotent and safe to call concurrently
	// with Emit.
	Subscription interface {
		Close() error
	}

	// Bus is a registry of named hook subscribers. The zero value is not
	// usable; construct with NewBus. All methods are safe for concurrent
	// use.
	Bus struct {
		mu   sync.RWMutex
		subs map[Name][]*subscription
	}

	subscription struct {
		bus  *Bus
		name Name
		cb   Callback
		once sync.Once
	}
)

// NewBus constructs an empty hook bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Name][]*subscription)}
}

// Register appends cb to the subscriber list for name and returns a handle
// that unregisters it. Duplicate registrations of the same callback are
// allowed and produce duplicate invocations.
func (b *Bus) Register(name Name, cb Callback) Subscription {
	s := &subscription{bus: b, name: name, cb: cb}
	b.mu.Lock()
	b.subs[name] = append(b.subs[name], s)
	b.mu.Unlock()
	return s
}

// Emit invokes every subscriber registered for name, in registration order,
// and returns when all have completed. Subscriber errors and panics are
// logged at WARN and skipped; Emit itself never fails.
//
// The subscriber list is snapshot before iteration, so Register and Close
// calls made mid-emission are safe and do not affect the current delivery.
func (b *Bus) Emit(ctx context.Context, name Name, p Payload) {
	b.mu.RLock()
	regs := b.subs[name]
	if len(regs) == 0 {
		b.mu.RUnlock()
		return
	}
	snapshot := make([]*subscription, len(regs))
	copy(snapshot, regs)
	b.mu.RUnlock()

	for _, s := range snapshot {
		invoke(ctx, name, s.cb, p)
	}
}

// SubscriberCount returns the number of live registrations for name. Emit
// sites use it to skip payload marshalling when nobody is listening.
func (b *Bus) SubscriberCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

func invoke(ctx context.Context, name Name, cb Callback, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			warnEvery.Do(func() {
				log.Warn(ctx, log.KV{K: "msg", V: "hook subscriber panicked"},
					log.KV{K: "hook", V: string(name)}, log.KV{K: "panic", V: r})
			})
		}
	}()
	if err := cb(ctx, name, p); err != nil {
		warnEvery.Do(func() {
			log.Warn(ctx, log.KV{K: "msg", V: "hook subscriber failed"},
				log.KV{K: "hook", V: string(name)}, log.KV{K: "err", V: err.Error()})
		})
	}
}

// Close removes the registration from the bus. Subsequent calls are no-ops.
// In-flight emissions that snapshot the list before Close may still deliver
// one final invocation.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		regs := s.bus.subs[s.name]
		for i, reg := range regs {
			if reg == s {
				s.bus.subs[s.name] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}

// Default is the process-wide bus the agent framework emits into. Embedding
// applications that need isolation (tests, multiple frameworks in one
// process) construct their own Bus instead.
var Default = NewBus()

// Register registers cb for name on the default bus.
func Register(name Name, cb Callback) Subscription { return Default.Register(name, cb) }

// Emit emits on the default bus.
func Emit(ctx context.Context, name Name, p Payload) { Default.Emit(ctx, name, p) }
