package dispatch

import (
	"container/list"
	"time"

	"github.com/h1v3-io/livedesk/internal/directory"
)

// Entry is a visitor waiting for an agent. VisitorID is set when the
// visitor is re-admitted with a queue-skip token.
type Entry struct {
	Conn       directory.Conn
	VisitorID  string
	FirstName  string
	LastName   string
	EnqueuedAt time.Time
}

// queue is a FIFO of entries indexed by connection ID so a disconnect
// removes its entry in O(1). Guarded by the Dispatcher's mutex.
type queue struct {
	l     *list.List
	index map[string]*list.Element
}

func newQueue() *queue {
	return &queue{l: list.New(), index: make(map[string]*list.Element)}
}

func (q *queue) pushBack(e *Entry) bool {
	if _, dup := q.index[e.Conn.ID()]; dup {
		return false
	}
	q.index[e.Conn.ID()] = q.l.PushBack(e)
	return true
}

// pushFront places e ahead of every waiting entry.
func (q *queue) pushFront(e *Entry) bool {
	if _, dup := q.index[e.Conn.ID()]; dup {
		return false
	}
	q.index[e.Conn.ID()] = q.l.PushFront(e)
	return true
}

func (q *queue) popFront() (*Entry, bool) {
	el := q.l.Front()
	if el == nil {
		return nil, false
	}
	e := q.l.Remove(el).(*Entry)
	delete(q.index, e.Conn.ID())
	return e, true
}

func (q *queue) remove(connID string) bool {
	el, ok := q.index[connID]
	if !ok {
		return false
	}
	q.l.Remove(el)
	delete(q.index, connID)
	return true
}

func (q *queue) len() int { return q.l.Len() }

// oldest returns the earliest enqueue time among waiting entries.
func (q *queue) oldest() (time.Time, bool) {
	var oldest time.Time
	for el := q.l.Front(); el != nil; el = el.Next() {
		at := el.Value.(*Entry).EnqueuedAt
		if oldest.IsZero() || at.Before(oldest) {
			oldest = at
		}
	}
	return oldest, !oldest.IsZero()
}
