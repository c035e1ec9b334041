package internal

import (
	"golang.org/x/exp/slog"
)

const eventQueueLength = 10

// eventQueue decouples frame decoding from the host callback: records are
// produced while the receive buffer is being consumed and only delivered
// once Poll has finished with it, so the callback never runs re-entrantly
// inside the decoder. The buffered channel keeps the queue usable as a
// cross-task handoff if a host ever drains it from another goroutine.
type eventQueue struct {
	logger *slog.Logger
	ch     chan Event
}

func newEventQueue(logger *slog.Logger) *eventQueue {
	return &eventQueue{
		logger: logger,
		ch:     make(chan Event, eventQueueLength),
	}
}

// push never blocks. When the queue is full the newest record is dropped.
func (q *eventQueue) push(evt Event) bool {
	select {
	case q.ch <- evt:
		return true
	default:
		q.logger.Warn("event queue full, dropping message", slog.String("id", evt.ID))
		return false
	}
}

// drain empties the queue in arrival order. deliver may be nil, in which
// case the records are discarded.
func (q *eventQueue) drain(deliver func(Event)) {
	for {
		select {
		case evt := <-q.ch:
			if deliver != nil {
				deliver(evt)
			}
		default:
			return
		}
	}
}
