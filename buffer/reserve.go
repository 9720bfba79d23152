package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/federatedb/bufferpool/internal/errs"
	"github.com/federatedb/bufferpool/internal/metrics"
)

// Mode selects how ReserveBuffers behaves when the reserve pool cannot
// satisfy a request outright (spec §4.F reserve_buffers).
type Mode int

const (
	// ModeWait blocks, retrying with progressive patience, until enough of
	// the pool is free or ctx is done.
	ModeWait Mode = iota
	// ModeForce always grants the full request, even driving the pool
	// negative.
	ModeForce
	// ModeNoWait grants at most what is currently free, never blocking.
	ModeNoWait
)

// reserveWaitInitial and reserveWaitMax bound the exponential backoff used
// by ModeWait (the "progressive patience" resolution of spec §9's open
// question: rather than re-waiting for the original request size forever,
// each retry re-checks the current reserve balance and only blocks longer
// between checks).
const (
	reserveWaitInitial = 1 * time.Millisecond
	reserveWaitMax     = 256 * time.Millisecond
)

// admission is the BufferManager-owned lock hierarchy level 1 state (spec
// §5): the admission mutex and its condition variable. The reserve balance
// itself is BufferManager.reserveBatchKB, an atomic.Int64 that is modified
// only under this mutex and is atomic so the eviction loop (lock hierarchy level 2) can read it without acquiring
// the admission lock, which would invert the stated lock order (never hold
// a lower-numbered lock while acquiring a higher one, nor vice versa across
// independent critical sections run concurrently).
type admission struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func newAdmission() *admission {
	a := &admission{}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// ReserveBuffers implements spec §4.F reserve_buffers: charges countKB
// against the reserve pool under mode's semantics and returns the amount
// actually granted. Every path runs one eviction pass after releasing the
// admission lock, never while holding it: persist() can block on I/O, and
// the stated lock hierarchy (spec §5) never holds a lower-numbered lock
// while work that may acquire a higher-numbered one (or none at all) is
// in flight.
func (m *BufferManager) ReserveBuffers(ctx context.Context, countKB int64, mode Mode) (int64, error) {
	switch mode {
	case ModeForce:
		m.admission.mu.Lock()
		m.reserveBatchKB.Add(-countKB)
		metrics.ReserveBatchKB.Set(float64(m.reserveBatchKB.Load()))
		m.admission.mu.Unlock()
		m.runOneEvictionPassIfOverThreshold()
		return countKB, nil

	case ModeNoWait:
		m.admission.mu.Lock()
		avail := m.reserveBatchKB.Load()
		granted := countKB
		if avail < granted {
			granted = avail
		}
		if granted < 0 {
			granted = 0
		}
		m.reserveBatchKB.Add(-granted)
		metrics.ReserveBatchKB.Set(float64(m.reserveBatchKB.Load()))
		m.admission.mu.Unlock()
		m.runOneEvictionPassIfOverThreshold()
		return granted, nil

	default: // ModeWait
		return m.reserveWait(ctx, countKB)
	}
}

// reserveWait implements ModeWait. A request larger than the reserve
// ceiling is capped at the ceiling (spec §4.F: "never wait for more than
// max_reserve_kb"), since no amount of eviction could ever satisfy more
// than that. It blocks on m.admission.cond rather than merely polling:
// ReleaseBuffers broadcasts on every credit, waking a waiter immediately
// instead of at the next backoff tick, and an AfterFunc timer re-arms the
// same cond as a bounded fallback (the "progressive patience" backoff)
// in case nothing else wakes it. A second goroutine rebroadcasts on ctx
// cancellation so a blocked Wait() never outlives its caller's deadline.
func (m *BufferManager) reserveWait(ctx context.Context, countKB int64) (int64, error) {
	if countKB > m.maxReserveKB {
		countKB = m.maxReserveKB
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			m.admission.cond.Broadcast()
		case <-stop:
		}
	}()

	wait := reserveWaitInitial
	m.admission.mu.Lock()
	for {
		avail := m.reserveBatchKB.Load()
		if avail >= countKB {
			m.reserveBatchKB.Add(-countKB)
			metrics.ReserveBatchKB.Set(float64(m.reserveBatchKB.Load()))
			m.admission.mu.Unlock()
			m.runOneEvictionPassIfOverThreshold()
			return countKB, nil
		}
		if err := ctx.Err(); err != nil {
			m.admission.mu.Unlock()
			return 0, errs.Wrap("BufferManager.ReserveBuffers", errs.KindInterrupted, err)
		}

		m.admission.mu.Unlock()
		m.runOneEvictionPassIfOverThreshold()
		m.admission.mu.Lock()

		if m.reserveBatchKB.Load() >= countKB {
			continue
		}

		timer := time.AfterFunc(wait, m.admission.cond.Broadcast)
		m.admission.cond.Wait()
		timer.Stop()

		wait *= 2
		if wait > reserveWaitMax {
			wait = reserveWaitMax
		}
	}
}

// ReleaseBuffers implements spec §4.F release_buffers: credits countKB
// back to the reserve pool and wakes any ModeWait callers, then triggers
// one eviction pass since freeing reserve space can itself make room for
// previously-evicted batches to come back under the value cache.
func (m *BufferManager) ReleaseBuffers(countKB int64) {
	m.admission.mu.Lock()
	m.reserveBatchKB.Add(countKB)
	metrics.ReserveBatchKB.Set(float64(m.reserveBatchKB.Load()))
	m.admission.mu.Unlock()
	m.admission.cond.Broadcast()
	m.runOneEvictionPassIfOverThreshold()
}

// runOneEvictionPassIfOverThreshold lets a blocked ModeWait caller nudge
// the eviction loop without acquiring the admission lock itself.
func (m *BufferManager) runOneEvictionPassIfOverThreshold() {
	m.evictor.runEvictionPass()
}
