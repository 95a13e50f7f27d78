package throttle

import (
	"sync"
	"time"

	"chart-stream/internal/metrics"
)

// Emission rate ceilings per throttle channel.
const (
	PriceBroadcastInterval = 200 * time.Millisecond
	KlineBroadcastInterval = 500 * time.Millisecond
	PricePersistInterval   = 1000 * time.Millisecond
	KlinePersistInterval   = 5000 * time.Millisecond
)

// EmitFunc receives the coalesced value for a key. It is invoked outside the
// per-key lock and must not be assumed to run on any particular goroutine.
type EmitFunc func(key string, value interface{})

// Broadcaster rate-limits emissions per key with last-value coalescing.
//
// On each incoming value: if the key's minimum interval has elapsed since the
// last emission, the value is emitted immediately; otherwise it replaces the
// key's pending slot and a one-shot timer (armed at most once per silent
// window) emits whatever is pending when the window ends. Emitted values are
// therefore a subsequence of offered values, inter-emission gaps are at least
// minInterval, and the last value of any burst is always emitted.
type Broadcaster struct {
	name        string
	minInterval time.Duration
	emit        EmitFunc

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu         sync.Mutex
	lastEmit   time.Time
	pending    interface{}
	hasPending bool
	timer      *time.Timer
}

// NewBroadcaster creates a throttled broadcaster. The name labels metrics.
func NewBroadcaster(name string, minInterval time.Duration, emit EmitFunc) *Broadcaster {
	return &Broadcaster{
		name:        name,
		minInterval: minInterval,
		emit:        emit,
		entries:     make(map[string]*entry),
	}
}

func (b *Broadcaster) entry(key string) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{}
		b.entries[key] = e
	}
	return e
}

// KlineKey builds the composite key for per-(symbol, interval) channels.
func KlineKey(symbol, interval string) string {
	return symbol + "|" + interval
}

// Offer submits a value for the key, emitting now or coalescing it into the
// pending slot.
func (b *Broadcaster) Offer(key string, value interface{}) {
	e := b.entry(key)

	e.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(e.lastEmit)

	if elapsed >= b.minInterval {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.pending = nil
		e.hasPending = false
		e.lastEmit = now
		e.mu.Unlock()

		metrics.ThrottleEmits.WithLabelValues(b.name).Inc()
		b.emit(key, value)
		return
	}

	e.pending = value
	e.hasPending = true
	if e.timer == nil {
		e.timer = time.AfterFunc(b.minInterval-elapsed, func() { b.fire(key) })
	} else {
		metrics.ThrottleCoalesced.WithLabelValues(b.name).Inc()
	}
	e.mu.Unlock()
}

// Bypass emits the value immediately regardless of the throttle window, used
// for closed candles. Any pending value for the key is superseded.
func (b *Broadcaster) Bypass(key string, value interface{}) {
	e := b.entry(key)

	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.pending = nil
	e.hasPending = false
	e.lastEmit = time.Now()
	e.mu.Unlock()

	metrics.ThrottleEmits.WithLabelValues(b.name).Inc()
	b.emit(key, value)
}

// fire runs when a key's silent-window timer elapses.
func (b *Broadcaster) fire(key string) {
	e := b.entry(key)

	e.mu.Lock()
	e.timer = nil
	if !e.hasPending {
		e.mu.Unlock()
		return
	}
	value := e.pending
	e.pending = nil
	e.hasPending = false
	e.lastEmit = time.Now()
	e.mu.Unlock()

	metrics.ThrottleEmits.WithLabelValues(b.name).Inc()
	b.emit(key, value)
}

// Flush stops all armed timers and emits their pending values. Called on
// shutdown so coalesced tails are not lost.
func (b *Broadcaster) Flush() {
	b.mu.Lock()
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	b.mu.Unlock()

	for _, key := range keys {
		e := b.entry(key)
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if !e.hasPending {
			e.mu.Unlock()
			continue
		}
		value := e.pending
		e.pending = nil
		e.hasPending = false
		e.lastEmit = time.Now()
		e.mu.Unlock()

		metrics.ThrottleEmits.WithLabelValues(b.name).Inc()
		b.emit(key, value)
	}
}
