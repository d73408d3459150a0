package queue

import (
	"github.com/google/uuid"
)

// Listener receives status transitions. It is called outside the queue lock,
// one transition at a time.
type Listener func(Status)

type listenerEntry struct {
	id string
	fn Listener
}

// AddListener registers fn under id, replacing any listener with the same id.
func (q *Queue) AddListener(id string, fn Listener) {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()
	for i, l := range q.listeners {
		if l.id == id {
			q.listeners[i].fn = fn
			return
		}
	}
	q.listeners = append(q.listeners, listenerEntry{id: id, fn: fn})
}

// RemoveListener unregisters the listener with id. It reports whether one was removed.
func (q *Queue) RemoveListener(id string) bool {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()
	for i, l := range q.listeners {
		if l.id == id {
			q.listeners = append(q.listeners[:i], q.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribe registers fn and returns a function that unregisters it.
func (q *Queue) Subscribe(fn Listener) (unsubscribe func()) {
	id := uuid.NewString()
	q.AddListener(id, fn)
	return func() { q.RemoveListener(id) }
}

// Status returns the current queue status.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// transitionLocked sets the status and reports whether it changed.
func (q *Queue) transitionLocked(s Status) bool {
	if q.status == s {
		return false
	}
	q.status = s
	return true
}

func (q *Queue) notify(s Status) {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()

	if q.config.Metrics != nil {
		q.config.Metrics.QueueStatus(s.String())
	}

	q.listenerMu.Lock()
	listeners := make([]listenerEntry, len(q.listeners))
	copy(listeners, q.listeners)
	q.listenerMu.Unlock()

	for _, l := range listeners {
		q.callListener(l, s)
	}
}

func (q *Queue) callListener(l listenerEntry, s Status) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("status listener panicked", map[string]interface{}{
				"listener": l.id,
				"panic":    r,
			})
		}
	}()
	l.fn(s)
}
