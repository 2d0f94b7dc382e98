package alerts

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Async queues events for a background sender. Notify never blocks; when the
// queue is full the event is dropped and counted.
type Async struct {
	next    Notifier
	queue   chan Event
	timeout time.Duration
	log     *zap.Logger
	dropped atomic.Int64
}

func NewAsync(next Notifier, size int, log *zap.Logger) *Async {
	if size <= 0 {
		size = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Async{next: next, queue: make(chan Event, size), timeout: 10 * time.Second, log: log}
}

func (a *Async) Notify(_ context.Context, event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	select {
	case a.queue <- event:
	default:
		a.dropped.Add(1)
		a.log.Warn("notification dropped", zap.String("title", event.Title))
	}
	return nil
}

func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Run sends queued events until ctx is done, then drains what is left with a
// short deadline.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return
		case event := <-a.queue:
			a.send(context.Background(), event)
		}
	}
}

func (a *Async) drain() {
	for {
		select {
		case event := <-a.queue:
			a.send(context.Background(), event)
		default:
			return
		}
	}
}

func (a *Async) send(ctx context.Context, event Event) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.next.Notify(ctx, event); err != nil {
		a.log.Warn("notification failed",
			zap.String("title", event.Title),
			zap.String("level", string(event.Level)),
			zap.Error(err),
		)
	}
}
