package gateway

import (
	"sync"

	"github.com/luminet/guigate/fabric"
)

// Outbound QoS lanes of a client connection.
//
// fastData carries pipeline payloads. The lane itself is lossless: it only
// fills when the client reported readiness for a pipeline, so it is bounded
// by the number of pipelines the client monitors and dropping here would
// wedge the readiness handshake. It still drains after the other lanes
// because bulk data has lower urgency than control traffic.
const (
	laneFastData     = 2
	laneRemoveOldest = 3
	laneLossless     = 4
)

// laneSet is the per-client outbound queue group. Messages within a lane
// keep their enqueue order; across lanes the write pump drains by urgency
// (lossless, then remove-oldest, then fast data).
type laneSet struct {
	mu           sync.Mutex
	lossless     []fabric.Hash
	removeOldest []fabric.Hash
	fastData     []fabric.Hash
	capacity     int // bound of the removeOldest lane
	dropped      uint64
	notify       chan struct{}
	closed       bool
}

func newLaneSet(removeOldestCapacity int) *laneSet {
	return &laneSet{
		capacity: removeOldestCapacity,
		notify:   make(chan struct{}, 1),
	}
}

// push enqueues a message on the given lane. The remove-oldest lane drops
// its oldest entry when full; the other lanes grow as needed.
func (l *laneSet) push(priority int, msg fabric.Hash) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	switch priority {
	case laneFastData:
		l.fastData = append(l.fastData, msg)
	case laneRemoveOldest:
		if len(l.removeOldest) >= l.capacity {
			l.removeOldest = l.removeOldest[1:]
			l.dropped++
		}
		l.removeOldest = append(l.removeOldest, msg)
	default:
		l.lossless = append(l.lossless, msg)
	}
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// pop dequeues the next message by lane urgency. Returns false when all
// lanes are empty.
func (l *laneSet) pop() (fabric.Hash, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.lossless) > 0 {
		msg := l.lossless[0]
		l.lossless = l.lossless[1:]
		return msg, true
	}
	if len(l.removeOldest) > 0 {
		msg := l.removeOldest[0]
		l.removeOldest = l.removeOldest[1:]
		return msg, true
	}
	if len(l.fastData) > 0 {
		msg := l.fastData[0]
		l.fastData = l.fastData[1:]
		return msg, true
	}
	return nil, false
}

// close discards all queued messages; further pushes are ignored.
func (l *laneSet) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.lossless = nil
	l.removeOldest = nil
	l.fastData = nil
}

// droppedCount reports how many remove-oldest entries were discarded.
func (l *laneSet) droppedCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// depths reports the current lane depths (lossless, removeOldest, fastData).
func (l *laneSet) depths() (int, int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lossless), len(l.removeOldest), len(l.fastData)
}
