// Package throttle coalesces rapid instance-topology events into periodic
// bounded batches while preserving causal correctness: a gone cancels a
// prior new or update, a new supersedes a prior update, and consecutive
// updates fold their payloads.
package throttle

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luminet/guigate/fabric"
)

// Change kinds, used as the first-level keys of a dispatched batch.
const (
	KindNew    = "new"
	KindUpdate = "update"
	KindGone   = "gone"
)

// Batch is one dispatched change group: kind -> instance type ->
// instanceId -> payload.
type Batch map[string]map[string]map[string]fabric.Hash

// Handler receives one batch per cycle. It must not panic; a panic is
// recovered and logged and the next cycle is still armed.
type Handler func(changes Batch)

// Throttler buffers instance changes and dispatches them either when the
// cycle timer expires or when the change count reaches the per-cycle
// maximum, whichever comes first.
type Throttler struct {
	mu       sync.Mutex
	changes  Batch
	total    int
	interval time.Duration
	maxPer   int
	handler  Handler
	timer    *time.Timer
	closed   bool
	log      *zap.SugaredLogger
}

// New creates a throttler and arms the first cycle.
func New(handler Handler, cycleInterval time.Duration, maxChangesPerCycle int, log *zap.SugaredLogger) *Throttler {
	t := &Throttler{
		interval: cycleInterval,
		maxPer:   maxChangesPerCycle,
		handler:  handler,
		log:      log,
	}
	t.resetLocked()
	t.timer = time.AfterFunc(cycleInterval, t.cycle)
	return t
}

// CycleInterval returns the configured cycle interval.
func (t *Throttler) CycleInterval() time.Duration { return t.interval }

// MaxChangesPerCycle returns the configured per-cycle change bound.
func (t *Throttler) MaxChangesPerCycle() int { return t.maxPer }

// SubmitNew records that an instance appeared. A buffered update for the
// same instance is superseded.
func (t *Throttler) SubmitNew(instanceID string, info fabric.Hash) {
	instType := instanceType(info)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if t.eraseLocked(KindUpdate, instType, instanceID) {
		// An update followed by a new is removed.
		t.total--
	}

	t.addChangeLocked(KindNew, instType, instanceID, info)
}

// SubmitUpdate records that an instance's info changed. It folds into a
// buffered new or update for the same instance without growing the cycle.
func (t *Throttler) SubmitUpdate(instanceID string, info fabric.Hash) {
	instType := instanceType(info)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if existing, ok := t.changes[KindNew][instType][instanceID]; ok {
		// A new followed by an update stays a new with the merged payload.
		t.changes[KindNew][instType][instanceID] = mergePayload(existing, info)
		return
	}
	if _, ok := t.changes[KindUpdate][instType][instanceID]; ok {
		// An update after an update carries the latest payload only.
		t.changes[KindUpdate][instType][instanceID] = info
		return
	}

	t.addChangeLocked(KindUpdate, instType, instanceID, info)
}

// SubmitGone records that an instance disappeared. A buffered new for the
// same instance annihilates with it; a buffered update is dropped and the
// gone is recorded.
func (t *Throttler) SubmitGone(instanceID string, info fabric.Hash) {
	instType := instanceType(info)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	hadNew := t.eraseLocked(KindNew, instType, instanceID)
	if hadNew {
		t.total--
	}
	if t.eraseLocked(KindUpdate, instType, instanceID) {
		t.total--
	}

	if !hadNew {
		// The clients saw this instance before the cycle started.
		t.addChangeLocked(KindGone, instType, instanceID, fabric.Hash{})
	}
}

// Flush dispatches the buffered changes immediately and arms the next
// cycle.
func (t *Throttler) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.timer.Stop()
	t.flushLocked(true)
}

// Close dispatches any pending changes exactly once and stops the cycle
// timer. Further submissions are ignored.
func (t *Throttler) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.timer.Stop()
	t.flushLocked(false)
}

// cycle runs on timer expiry.
func (t *Throttler) cycle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.flushLocked(true)
}

// addChangeLocked inserts a change and triggers the early dispatch when
// the cycle is full. Requires t.mu.
func (t *Throttler) addChangeLocked(kind, instType, instanceID string, payload fabric.Hash) {
	byType := t.changes[kind]
	instances := byType[instType]
	if instances == nil {
		instances = make(map[string]fabric.Hash)
		byType[instType] = instances
	}

	if _, collision := instances[instanceID]; collision {
		// The coalescing rules should make this unreachable; do not
		// overwrite buffered change data if it happens anyway.
		t.log.Warnw("Unexpected collision in change buffer",
			"kind", kind,
			"instance_type", instType,
			"instance_id", instanceID,
		)
		return
	}

	instances[instanceID] = payload
	t.total++

	if t.total >= t.maxPer {
		// Only the caller that wins the cancel race dispatches; if the
		// timer already fired, its cycle is about to flush instead.
		if t.timer.Stop() {
			t.flushLocked(true)
		}
	}
}

// eraseLocked removes a buffered change if present. Requires t.mu.
func (t *Throttler) eraseLocked(kind, instType, instanceID string) bool {
	instances := t.changes[kind][instType]
	if _, ok := instances[instanceID]; !ok {
		return false
	}
	delete(instances, instanceID)
	if len(instances) == 0 {
		delete(t.changes[kind], instType)
	}
	return true
}

// flushLocked dispatches the buffer, resets it, and optionally re-arms the
// cycle timer. Requires t.mu.
func (t *Throttler) flushLocked(rearm bool) {
	if t.total > 0 && t.handler != nil {
		t.dispatch(t.changes)
	}
	t.resetLocked()
	if rearm && !t.closed {
		t.timer.Reset(t.interval)
	}
}

// dispatch shields the cycle from a panicking handler.
func (t *Throttler) dispatch(changes Batch) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Errorw("Instance change handler panicked",
				"panic", r,
			)
		}
	}()
	t.handler(changes)
}

func (t *Throttler) resetLocked() {
	t.changes = Batch{
		KindNew:    make(map[string]map[string]fabric.Hash),
		KindUpdate: make(map[string]map[string]fabric.Hash),
		KindGone:   make(map[string]map[string]fabric.Hash),
	}
	t.total = 0
}

// instanceType partitions the id space; instances that do not announce a
// type are grouped under "unknown".
func instanceType(info fabric.Hash) string {
	if typ, ok := info["type"].(string); ok && typ != "" {
		return typ
	}
	return "unknown"
}

// mergePayload overlays the update payload onto the buffered new payload.
func mergePayload(existing, update fabric.Hash) fabric.Hash {
	merged := make(fabric.Hash, len(existing)+len(update))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	return merged
}
