package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/luminet/guigate/fabric"
)

// batchCollector records dispatched batches for assertions.
type batchCollector struct {
	mu      sync.Mutex
	batches []Batch
	notify  chan struct{}
}

func newBatchCollector() *batchCollector {
	return &batchCollector{notify: make(chan struct{}, 16)}
}

func (c *batchCollector) handler(changes Batch) {
	c.mu.Lock()
	c.batches = append(c.batches, changes)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *batchCollector) waitForBatch(t *testing.T, timeout time.Duration) Batch {
	t.Helper()
	select {
	case <-c.notify:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a dispatch")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[len(c.batches)-1]
}

func (c *batchCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func deviceInfo(extra fabric.Hash) fabric.Hash {
	info := fabric.Hash{"type": "device"}
	for k, v := range extra {
		info[k] = v
	}
	return info
}

func TestUpdateIntoNewMergesPayload(t *testing.T) {
	collector := newBatchCollector()
	th := New(collector.handler, 50*time.Millisecond, 100, zaptest.NewLogger(t).Sugar())
	defer th.Close()

	th.SubmitNew("d1", deviceInfo(fabric.Hash{"classId": "A"}))
	th.SubmitUpdate("d1", deviceInfo(fabric.Hash{"state": "ON"}))

	batch := collector.waitForBatch(t, time.Second)

	payload, ok := batch[KindNew]["device"]["d1"]
	require.True(t, ok, "expected a single new for d1")
	assert.Equal(t, "A", payload["classId"])
	assert.Equal(t, "ON", payload["state"])
	assert.Empty(t, batch[KindUpdate], "update must have folded into the new")
}

func TestGoneCancelsNew(t *testing.T) {
	collector := newBatchCollector()
	th := New(collector.handler, 30*time.Millisecond, 100, zaptest.NewLogger(t).Sugar())
	defer th.Close()

	th.SubmitNew("d2", deviceInfo(nil))
	th.SubmitGone("d2", deviceInfo(nil))

	// The cycle fires but an empty buffer produces no dispatch at all.
	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, collector.count(), "new+gone within one cycle must annihilate")
}

func TestGoneAfterUpdateKeepsGone(t *testing.T) {
	collector := newBatchCollector()
	th := New(collector.handler, 30*time.Millisecond, 100, zaptest.NewLogger(t).Sugar())
	defer th.Close()

	th.SubmitUpdate("d3", deviceInfo(nil))
	th.SubmitGone("d3", deviceInfo(nil))

	batch := collector.waitForBatch(t, time.Second)

	_, hasGone := batch[KindGone]["device"]["d3"]
	assert.True(t, hasGone, "gone must survive")
	assert.Empty(t, batch[KindUpdate], "update must be dropped")
}

func TestNewSupersedesUpdate(t *testing.T) {
	collector := newBatchCollector()
	th := New(collector.handler, 30*time.Millisecond, 100, zaptest.NewLogger(t).Sugar())
	defer th.Close()

	th.SubmitUpdate("d4", deviceInfo(fabric.Hash{"state": "OFF"}))
	th.SubmitNew("d4", deviceInfo(fabric.Hash{"classId": "B"}))

	batch := collector.waitForBatch(t, time.Second)

	payload, ok := batch[KindNew]["device"]["d4"]
	require.True(t, ok)
	assert.Equal(t, "B", payload["classId"])
	assert.Empty(t, batch[KindUpdate])

	// The update was decounted: one change total in the cycle.
	total := 0
	for _, byType := range batch {
		for _, instances := range byType {
			total += len(instances)
		}
	}
	assert.Equal(t, 1, total)
}

func TestConsecutiveUpdatesKeepLatestPayload(t *testing.T) {
	collector := newBatchCollector()
	th := New(collector.handler, 30*time.Millisecond, 100, zaptest.NewLogger(t).Sugar())
	defer th.Close()

	th.SubmitUpdate("d5", deviceInfo(fabric.Hash{"state": "OFF"}))
	th.SubmitUpdate("d5", deviceInfo(fabric.Hash{"state": "ON"}))

	batch := collector.waitForBatch(t, time.Second)
	payload := batch[KindUpdate]["device"]["d5"]
	require.NotNil(t, payload)
	assert.Equal(t, "ON", payload["state"])
}

func TestThresholdForcesEarlyDispatch(t *testing.T) {
	collector := newBatchCollector()
	// A ten second cycle: any dispatch observed below is threshold-driven.
	th := New(collector.handler, 10*time.Second, 3, zaptest.NewLogger(t).Sugar())
	defer th.Close()

	start := time.Now()
	th.SubmitNew("e1", deviceInfo(nil))
	th.SubmitNew("e2", deviceInfo(nil))
	th.SubmitNew("e3", deviceInfo(nil))

	batch := collector.waitForBatch(t, time.Second)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, batch[KindNew]["device"], 3)
	assert.Equal(t, 1, collector.count(), "threshold crossing triggers at most one early dispatch")
}

func TestGoneSuppressedUntilResubmitted(t *testing.T) {
	collector := newBatchCollector()
	th := New(collector.handler, 10*time.Second, 100, zaptest.NewLogger(t).Sugar())
	defer th.Close()

	th.SubmitNew("d6", deviceInfo(nil))
	th.SubmitGone("d6", deviceInfo(nil))
	th.Flush()
	assert.Zero(t, collector.count())

	th.SubmitNew("d6", deviceInfo(nil))
	th.Flush()
	batch := collector.waitForBatch(t, time.Second)
	_, hasNew := batch[KindNew]["device"]["d6"]
	assert.True(t, hasNew)
}

func TestFlushDispatchesImmediatelyAndRearms(t *testing.T) {
	collector := newBatchCollector()
	th := New(collector.handler, 10*time.Second, 100, zaptest.NewLogger(t).Sugar())
	defer th.Close()

	th.SubmitUpdate("d7", deviceInfo(nil))
	th.Flush()
	batch := collector.waitForBatch(t, time.Second)
	require.NotNil(t, batch[KindUpdate]["device"]["d7"])

	// Buffer was reset; a second flush with nothing pending stays silent.
	th.Flush()
	assert.Equal(t, 1, collector.count())
}

func TestCloseDispatchesPendingExactlyOnce(t *testing.T) {
	collector := newBatchCollector()
	th := New(collector.handler, 10*time.Second, 100, zaptest.NewLogger(t).Sugar())

	th.SubmitNew("d8", deviceInfo(nil))
	th.Close()

	assert.Equal(t, 1, collector.count())

	// Idempotent: a second close neither dispatches nor panics.
	th.Close()
	assert.Equal(t, 1, collector.count())

	// Submissions after close are ignored.
	th.SubmitNew("d9", deviceInfo(nil))
	assert.Equal(t, 1, collector.count())
}

func TestHandlerPanicDoesNotKillCycle(t *testing.T) {
	var calls int
	var mu sync.Mutex
	handler := func(Batch) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("handler failure")
	}
	th := New(handler, 20*time.Millisecond, 100, zaptest.NewLogger(t).Sugar())
	defer th.Close()

	th.SubmitNew("p1", deviceInfo(nil))
	time.Sleep(60 * time.Millisecond)
	th.SubmitNew("p2", deviceInfo(nil))
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2, "cycle must keep re-arming after a panic")
}

func TestUntypedInstancesGroupUnderUnknown(t *testing.T) {
	collector := newBatchCollector()
	th := New(collector.handler, 10*time.Second, 100, zaptest.NewLogger(t).Sugar())
	defer th.Close()

	th.SubmitNew("x1", fabric.Hash{})
	th.Flush()
	batch := collector.waitForBatch(t, time.Second)
	_, ok := batch[KindNew]["unknown"]["x1"]
	assert.True(t, ok)
}
