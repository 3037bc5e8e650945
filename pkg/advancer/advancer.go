// Package advancer implements the epoch advancer background loop
// (component C9): a ticker-driven goroutine that periodically calls
// epoch.Coordinator.Advance, hands the newly-safe epoch range to the
// reclamation tracker, and flushes any buffered persistence writes. The
// ticker/Start/Stop shape is carried from the reference stack's
// reconciliation loop.
package advancer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/epochtx/pkg/epoch"
	"github.com/cuemby/epochtx/pkg/log"
	"github.com/cuemby/epochtx/pkg/metrics"
	"github.com/cuemby/epochtx/pkg/persist"
	"github.com/cuemby/epochtx/pkg/reclaim"
)

// defaultSafetyMargin is how many epochs must have passed since a node
// was retired before it is safe to free: one epoch isn't enough on its
// own, since a thread registered just before the retiring epoch closed
// could still be mid-read when Advance returns.
const defaultSafetyMargin = 2

// Advancer periodically moves the global epoch forward and drains work
// that only becomes safe once it has.
type Advancer struct {
	coordinator  *epoch.Coordinator
	tracker      *reclaim.Tracker
	heap         *persist.Heap // nil if the runtime isn't configured to persist
	interval     time.Duration
	safetyMargin uint64
	logger       zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// New returns an advancer that ticks every interval. heap may be nil.
func New(coordinator *epoch.Coordinator, tracker *reclaim.Tracker, heap *persist.Heap, interval time.Duration) *Advancer {
	return &Advancer{
		coordinator:  coordinator,
		tracker:      tracker,
		heap:         heap,
		interval:     interval,
		safetyMargin: defaultSafetyMargin,
		logger:       log.WithComponent("advancer"),
	}
}

// Start begins the advancer's ticker loop in a new goroutine.
func (a *Advancer) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopCh != nil {
		return
	}
	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})
	go a.run(a.stopCh, a.done)
}

// Stop halts the ticker loop and waits for it to exit.
func (a *Advancer) Stop() {
	a.mu.Lock()
	stopCh, done := a.stopCh, a.done
	a.stopCh, a.done = nil, nil
	a.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-done
}

func (a *Advancer) run(stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info().Dur("interval", a.interval).Msg("epoch advancer started")
	for {
		select {
		case <-ticker.C:
			a.Tick()
		case <-stopCh:
			a.logger.Info().Msg("epoch advancer stopped")
			return
		}
	}
}

// Tick performs one advance cycle: it is exported so callers (tests, the
// bench CLI, an explicit sync point) can drive the loop without waiting
// on the ticker.
func (a *Advancer) Tick() {
	timer := metrics.NewTimer()
	next := a.coordinator.Advance()
	timer.ObserveDuration(metrics.EpochDrainDuration)

	if next > a.safetyMargin {
		if freed := a.tracker.FreeBefore(next - a.safetyMargin); freed > 0 {
			a.logger.Debug().Int("freed", freed).Uint64("epoch", next).Msg("reclaimed retired nodes")
		}
	}

	if a.heap != nil {
		if err := a.heap.Flush(); err != nil {
			a.logger.Error().Err(err).Msg("failed to flush persistence buffer on epoch advance")
		}
	}
}
