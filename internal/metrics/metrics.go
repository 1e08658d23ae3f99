// Package metrics forwards progress and timing events to an external
// collaborator without ever blocking the import pipeline.
package metrics

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Event is one fire-and-forget measurement.
type Event struct {
	Name   string         `json:"name"`
	Value  float64        `json:"value"`
	Labels map[string]any `json:"labels,omitempty"`
	At     time.Time      `json:"at"`
}

// Emitter receives events. Implementations must never block the caller.
type Emitter interface {
	Emit(e Event)
	Close()
}

// Noop discards every event.
type Noop struct{}

func (Noop) Emit(Event) {}
func (Noop) Close()     {}

// Sink is the downstream delivery function, called from the emitter's
// own goroutine.
type Sink func(e Event)

// ChannelEmitter buffers events on a channel drained by one goroutine,
// throttled by a rate limiter. When the buffer is full or the limiter
// disallows, the event is dropped: losing a metric beats stalling an
// import.
type ChannelEmitter struct {
	ch      chan Event
	limiter *rate.Limiter
	done    chan struct{}
}

// NewChannelEmitter creates an emitter delivering to sink at no more
// than maxPerSecond events, buffering up to buffer in between.
func NewChannelEmitter(sink Sink, buffer int, maxPerSecond float64) *ChannelEmitter {
	if buffer <= 0 {
		buffer = 256
	}
	e := &ChannelEmitter{
		ch:      make(chan Event, buffer),
		limiter: rate.NewLimiter(rate.Limit(maxPerSecond), int(maxPerSecond)+1),
		done:    make(chan struct{}),
	}
	go e.drain(sink)
	return e
}

func (e *ChannelEmitter) drain(sink Sink) {
	defer close(e.done)
	for ev := range e.ch {
		if !e.limiter.Allow() {
			continue
		}
		sink(ev)
	}
}

// Emit enqueues an event, dropping it when the buffer is full.
func (e *ChannelEmitter) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case e.ch <- ev:
	default:
		zap.L().Debug("metrics: buffer full, dropping event", zap.String("name", ev.Name))
	}
}

// Close stops the drain goroutine after flushing buffered events.
func (e *ChannelEmitter) Close() {
	close(e.ch)
	<-e.done
}
