package marketd

import (
	"context"
	"log/slog"
	"time"

	"bazaar/core/events"
	"bazaar/observability"
)

const appendTimeout = 5 * time.Second

// Sink records committed marketplace notifications in the EventLog and then
// publishes them to the Feed. The market emits under its instance lock, so
// log order matches commit order.
type Sink struct {
	log    *EventLog
	feed   *Feed
	logger *slog.Logger
}

func NewSink(log *EventLog, feed *Feed, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{log: log, feed: feed, logger: logger.With("component", "eventsink")}
}

// Emit implements events.Emitter. The market has already committed when it
// emits, so a failed append is a lost notification and is counted as a drop.
func (s *Sink) Emit(evt events.Event) {
	wire := events.Wire(evt)
	if wire == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	rec, err := s.log.Append(ctx, wire)
	if err != nil {
		observability.Events().RecordDropped(observability.DropStageLog, 1)
		s.logger.Error("append notification", "type", wire.Type, "error", err)
		return
	}
	s.feed.Publish(rec)
}
