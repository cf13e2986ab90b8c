package session

import (
	"sync"

	"github.com/elliotchance/orderedmap"
)

// candidateQueue is a dedup FIFO of "ip:port" endpoints, fed by the tracker
// worker and PEX events, drained by the main loop when dialing new peers.
// spec's invariant 4: it never contains two entries with the same key.
type candidateQueue struct {
	mu sync.Mutex
	m  *orderedmap.OrderedMap
}

func newCandidateQueue() *candidateQueue {
	return &candidateQueue{m: orderedmap.NewOrderedMap()}
}

// Push enqueues addr if it isn't already present. Returns true if it was
// newly added.
func (q *candidateQueue) Push(addr string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.m.Get(addr); ok {
		return false
	}
	q.m.Set(addr, struct{}{})
	return true
}

// Pop removes and returns the oldest queued address.
func (q *candidateQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for el := q.m.Front(); el != nil; el = q.m.Front() {
		addr, _ := el.Key.(string)
		q.m.Delete(addr)
		return addr, true
	}
	return "", false
}

func (q *candidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.m.Len()
}
