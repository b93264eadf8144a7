package bridge

import (
	"context"
	"sync"
	"time"

	"adslink/ads"
	"adslink/logging"
)

// DefaultWatchdogInterval is used when no interval is configured.
const DefaultWatchdogInterval = 10 * time.Second

// Watchdog periodically reads one variable to verify the link is
// actually passing data. A stale TCP session can sit in Connected for
// minutes before the OS notices; a failed read here trips the hub's
// normal reconnection machinery immediately.
type Watchdog struct {
	hub      *Hub
	spec     ads.VariableSpec
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu  sync.RWMutex
	checks   int
	failures int
	lastOK   time.Time
	lastErr  error
}

// NewWatchdog creates a watchdog reading spec every interval. An
// interval of zero or less uses DefaultWatchdogInterval.
func NewWatchdog(hub *Hub, spec ads.VariableSpec, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watchdog{
		hub:      hub,
		spec:     spec,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the watchdog's check loop.
func (w *Watchdog) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop halts the watchdog and waits for it to finish.
func (w *Watchdog) Stop() {
	w.cancel()
	w.wg.Wait()
}

// Stats returns the check counters and the last outcome.
func (w *Watchdog) Stats() (checks, failures int, lastOK time.Time, lastErr error) {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.checks, w.failures, w.lastOK, w.lastErr
}

func (w *Watchdog) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watchdog) check() {
	// Only check an allegedly healthy link. Reconnection has its own
	// schedule and an extra read would just add noise to it.
	if w.hub.State() != StateConnected {
		return
	}

	_, err := w.hub.Read(w.spec)

	w.statsMu.Lock()
	w.checks++
	if err != nil {
		w.failures++
		w.lastErr = err
	} else {
		w.lastOK = time.Now()
		w.lastErr = nil
	}
	w.statsMu.Unlock()

	if err != nil {
		logging.DebugLog("watchdog", "check of %s failed: %v", w.spec.Name, err)
	}
}
