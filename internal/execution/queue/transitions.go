package queue

import (
	"github.com/qaflow-labs/qaflow-go/internal/domain"
)

// emitLocked appends the current state of e to the outbox. Callers hold
// q.mu, so outbox order is the order in which transitions happened.
func (q *Queue) emitLocked(from domain.ExecutionStatus, e *entry) {
	q.seq++
	t := domain.Transition{
		Seq:    q.seq,
		From:   from,
		To:     e.handle.Status,
		At:     q.now().UTC(),
		Handle: e.handle.Clone(),
	}
	q.outbox = append(q.outbox, t)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) emitLoop() {
	defer close(q.emitterDone)
	for {
		select {
		case <-q.signal:
			q.drain()
		case <-q.stopEmitter:
			q.drain()
			return
		}
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		batch := q.outbox
		q.outbox = nil
		q.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, t := range batch {
			q.deliver(t)
		}
	}
}

func (q *Queue) deliver(t domain.Transition) {
	defer func() {
		if v := recover(); v != nil {
			q.logger.Error("transition sink panic", "execution_id", t.Handle.ID, "to", t.To, "panic", v)
		}
	}()
	q.sink.HandleTransition(t)
}
