// Package notify delivers license events to logs, chats and metrics
// without letting a slow or broken sink hold up the license core.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"guildlicense-bot/internal/license"
)

// Multi fans an event out to every sink in order.
type Multi []license.Notifier

func (m Multi) Notify(ctx context.Context, ev license.Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// LogSink writes events as structured log entries.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("license")}
}

func (s *LogSink) Notify(_ context.Context, ev license.Event) {
	fields := []zap.Field{
		zap.String("event_id", ev.ID.String()),
		zap.String("kind", string(ev.Kind)),
		zap.Time("at", ev.At),
	}
	if ev.TenantID != 0 {
		fields = append(fields, zap.Int64("tenant_id", ev.TenantID))
	}
	if ev.Key != "" {
		fields = append(fields, zap.String("license", ev.Key))
	}
	if ev.Detail != "" {
		fields = append(fields, zap.String("detail", ev.Detail))
	}
	switch ev.Kind {
	case license.EventSweepFailed:
		s.log.Error("license event", fields...)
	case license.EventInvalidKey, license.EventKeyAlreadyBound, license.EventExpired, license.EventReclaimed:
		s.log.Warn("license event", fields...)
	default:
		s.log.Info("license event", fields...)
	}
}

// Async queues events for a background goroutine. When the queue is full
// the event is dropped and counted instead of blocking the caller.
type Async struct {
	next  license.Notifier
	queue chan asyncEvent
	log   *zap.Logger

	mu      sync.Mutex
	dropped int
	closed  bool
	wg      sync.WaitGroup
}

type asyncEvent struct {
	ctx context.Context
	ev  license.Event
}

func NewAsync(next license.Notifier, size int, log *zap.Logger) *Async {
	if size <= 0 {
		size = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Async{next: next, queue: make(chan asyncEvent, size), log: log}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) Notify(ctx context.Context, ev license.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.dropped++
		return
	}
	select {
	case a.queue <- asyncEvent{ctx: ctx, ev: ev}:
	default:
		a.dropped++
		a.log.Warn("notification queue full, dropping event",
			zap.String("kind", string(ev.Kind)), zap.Int("dropped", a.dropped))
	}
}

// Dropped returns the number of events discarded so far.
func (a *Async) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close stops accepting events and waits until the queue is drained.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Async) run() {
	defer a.wg.Done()
	for item := range a.queue {
		a.deliver(item)
	}
}

func (a *Async) deliver(item asyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("notification sink panicked", zap.Any("panic", r), zap.String("kind", string(item.ev.Kind)))
		}
	}()
	a.next.Notify(item.ctx, item.ev)
}
