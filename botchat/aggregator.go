package botchat

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MessageRef identifies a platform message so effects (replies,
// reactions) can target it.
type MessageRef struct {
	ChannelID string
	MessageID string
	GuildID   string
}

// PendingMessage is one buffered message awaiting aggregation.
type PendingMessage struct {
	Sender   string
	Content  string
	SenderID string
	Ref      MessageRef
}

// AggregatedUnit is one flushed burst: every message that arrived in a
// scope within the sliding debounce window, in arrival order.
type AggregatedUnit struct {
	Scope    string
	Messages []PendingMessage
}

type scopePhase int

const (
	phaseIdle scopePhase = iota
	phaseArmed
	phaseFlushing
)

// scopeState is the per-scope debounce state machine:
// idle -> armed(deadline) -> flushing. A submit while armed slides the
// deadline forward; a submit while flushing starts a fresh armed cycle
// on a new buffer rather than joining the in-flight flush.
type scopeState struct {
	phase   scopePhase
	pending []PendingMessage

	// epoch guards against stale timer expiries: every (re)arm bumps it,
	// and an expiry only fires when its captured epoch is still current
	epoch uint64

	timer *time.Timer

	// units delivers snapshots to the scope's dispatch goroutine, which
	// runs flushes one at a time in FIFO order
	units chan AggregatedUnit
}

// Aggregator collapses bursts of near-simultaneous messages per scope
// into single units of work, so the backend is invoked once per burst
// rather than once per message. Buffered-but-unflushed messages are
// lost on shutdown; that failure mode is dropped messages, never
// corruption.
type Aggregator struct {
	mu     sync.Mutex
	window time.Duration
	scopes map[string]*scopeState

	// flush receives each unit on the scope's dispatch goroutine. Only
	// one call per scope is in flight at a time; calls for the same
	// scope happen in expiry order.
	flush func(AggregatedUnit)

	logger  *slog.Logger
	wg      sync.WaitGroup
	stopped bool

	// unitBuffer is the per-scope dispatch channel capacity. A second
	// burst can queue behind a slow in-flight flush; more than a couple
	// waiting is pathological, so overflow drops with a warning.
	unitBuffer int

	flushCount atomic.Int64
}

func NewAggregator(
	window time.Duration,
	flush func(AggregatedUnit),
	logger *slog.Logger,
) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		window:     window,
		flush:      flush,
		scopes:     map[string]*scopeState{},
		logger:     logger.With(loggerNameKey, "aggregator"),
		unitBuffer: 8,
	}
}

// Submit buffers a message for a scope and (re)starts the debounce
// timer. If a timer is already pending for the scope it is superseded,
// so the window slides forward on every new message.
func (a *Aggregator) Submit(scope string, msg PendingMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		a.logger.Warn("submit after stop, dropping message", "scope", scope)
		return
	}

	s := a.scopes[scope]
	if s == nil {
		s = &scopeState{units: make(chan AggregatedUnit, a.unitBuffer)}
		a.scopes[scope] = s
		a.wg.Add(1)
		go a.dispatch(scope, s.units)
	}

	s.pending = append(s.pending, msg)
	s.epoch++
	epoch := s.epoch
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.phase == phaseIdle {
		s.phase = phaseArmed
	}
	s.timer = time.AfterFunc(
		a.window, func() {
			a.expire(scope, epoch)
		},
	)
}

// expire fires when a debounce deadline passes. The snapshot-and-clear
// and the handoff to the dispatch queue happen under one lock hold, so
// they are atomic with respect to concurrent submits and to Stop: a
// stale epoch (a newer message re-armed the timer) or an empty buffer
// is a no-op, and no message can land in two flushes.
func (a *Aggregator) expire(scope string, epoch uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.scopes[scope]
	if s == nil || a.stopped || s.epoch != epoch || len(s.pending) == 0 {
		return
	}

	unit := AggregatedUnit{Scope: scope, Messages: s.pending}
	s.pending = nil
	s.phase = phaseFlushing

	// the send can't block while holding the lock: the dispatch channel
	// is buffered, and overflow (a deep backlog behind a slow flush)
	// drops the burst instead
	select {
	case s.units <- unit:
	default:
		a.logger.Warn(
			"flush backlog full, dropping burst",
			"scope", scope,
			"messages", len(unit.Messages),
		)
	}
	s.phase = phaseIdle
}

// dispatch runs flushes for one scope, strictly one at a time, in the
// order their debounce timers expired. Scopes are independent of each
// other.
func (a *Aggregator) dispatch(scope string, units <-chan AggregatedUnit) {
	defer a.wg.Done()
	for unit := range units {
		a.flushCount.Add(1)
		a.logger.Debug(
			"flushing burst",
			"scope", scope,
			"messages", len(unit.Messages),
		)
		a.flush(unit)
	}
}

// Flushes returns the number of bursts flushed since startup.
func (a *Aggregator) Flushes() int64 {
	return a.flushCount.Load()
}

// Stop cancels all pending timers and waits for in-flight flushes to
// finish. Buffered-but-unflushed messages are dropped.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	var dropped int
	for _, s := range a.scopes {
		if s.timer != nil {
			s.timer.Stop()
		}
		dropped += len(s.pending)
		s.pending = nil
		close(s.units)
	}
	a.mu.Unlock()

	if dropped > 0 {
		a.logger.Warn("dropped unflushed messages on stop", "count", dropped)
	}
	a.wg.Wait()
}
