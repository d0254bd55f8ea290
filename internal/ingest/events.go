package ingest

import (
	"context"
	"log/slog"

	"github.com/example/drivehub/internal/lifecycle"
)

// EventSink receives lifecycle events.
type EventSink interface {
	PublishEvent(ctx context.Context, e Event) error
}

// EventPublisher forwards lifecycle transitions to a sink from its own
// goroutine so the request lock is never held across network I/O.
type EventPublisher struct {
	sink  EventSink
	queue chan Event
	log   *slog.Logger
}

func NewEventPublisher(sink EventSink, size int, log *slog.Logger) *EventPublisher {
	if size <= 0 {
		size = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &EventPublisher{sink: sink, queue: make(chan Event, size), log: log.With("component", "events")}
}

// OnTransition is a lifecycle hook. Only real state changes are published.
func (p *EventPublisher) OnTransition(tr lifecycle.Transition) {
	if tr.From == tr.To {
		return
	}
	e := Event{
		RequestID:    tr.Snapshot.ID,
		From:         tr.From,
		To:           tr.To,
		ProviderID:   tr.Snapshot.ProviderID,
		CancelReason: tr.Snapshot.CancelReason,
		Version:      tr.Snapshot.Version,
		At:           tr.At,
	}
	select {
	case p.queue <- e:
	default:
		p.log.Warn("event queue full, dropping", "request_id", e.RequestID, "to", e.To)
	}
}

func (p *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case e := <-p.queue:
			if err := p.sink.PublishEvent(ctx, e); err != nil {
				p.log.Error("publish event", "request_id", e.RequestID, "to", e.To, "err", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
