package bridge

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"adslink/ads"
	"adslink/logging"
)

// Subscriber receives decoded values and per-subscription errors.
// Entity adapters implement this; callbacks for one subscription are
// never invoked concurrently.
type Subscriber interface {
	OnValue(v ads.Value)
	OnError(err error)
}

// Subscription binds one variable to one delivery target. Values are
// delivered edge-triggered: the first successful read is always
// delivered, afterwards only changes. A subscription is suspended while
// the hub is not Connected and resumes automatically.
type Subscription struct {
	hub  *Hub
	spec ads.VariableSpec
	sub  Subscriber

	// deliverMu serializes callbacks and orders Close against them.
	deliverMu sync.Mutex
	closed    bool
	delivered bool
	last      ads.Value
	lastSeq   uint64

	// seq stamps reads so a late result for a superseded tick is
	// discarded instead of reordering deliveries.
	seq atomic.Uint64

	runMu     sync.Mutex
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func newSubscription(h *Hub, spec ads.VariableSpec, sub Subscriber) *Subscription {
	return &Subscription{hub: h, spec: spec, sub: sub}
}

// Spec returns the variable the subscription is bound to.
func (s *Subscription) Spec() ads.VariableSpec {
	return s.spec
}

// start launches the worker for the given session. Called by the hub on
// subscribe and after every reconnect.
func (s *Subscription) start(sess Session, epoch uint64) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runCancel != nil {
		// Previous run still registered; replace it.
		s.runCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	s.wg.Add(1)
	go s.run(ctx, sess, epoch)
}

// suspend stops the current worker without closing the subscription.
func (s *Subscription) suspend() {
	s.runMu.Lock()
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	s.runMu.Unlock()
}

// Close destroys the subscription. When it returns, no further OnValue
// or OnError invocation will occur.
func (s *Subscription) Close() {
	s.hub.removeSubscription(s)
	s.suspend()

	// Block until any in-flight callback completes, then latch closed.
	s.deliverMu.Lock()
	s.closed = true
	s.deliverMu.Unlock()

	s.wg.Wait()
}

// run drives one session's worth of delivery for the subscription.
func (s *Subscription) run(ctx context.Context, sess Session, epoch uint64) {
	defer s.wg.Done()

	if s.wantNotifications() {
		err := s.notifyLoop(ctx, sess, epoch)
		if err == nil || ctx.Err() != nil {
			return
		}
		if !errors.Is(err, ErrNotificationsUnsupported) {
			s.handleOpError(err, epoch)
			return
		}
		logging.DebugLog("bridge", "%s: notifications unavailable, polling instead", s.spec.Name)
	}

	s.pollLoop(ctx, sess, epoch)
}

// wantNotifications: fixed-width variables with no explicit poll
// interval ride device notifications when the hub allows it. STRING
// stays on polling (variable length).
func (s *Subscription) wantNotifications() bool {
	return s.hub.useNotifications &&
		s.spec.PollInterval == 0 &&
		s.spec.Type.Size() > 0
}

// pollLoop reads the variable on its own ticker. Tickers are started
// with a random fraction of the interval so many subscriptions do not
// burst-read in lockstep.
func (s *Subscription) pollLoop(ctx context.Context, sess Session, epoch uint64) {
	interval := s.spec.PollInterval
	if interval <= 0 {
		interval = s.hub.defaultPoll
	}

	stagger := time.Duration(rand.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(stagger):
	}

	s.pollOnce(ctx, sess, epoch)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, sess, epoch)
		}
	}
}

// pollOnce performs a single read-decode-deliver cycle. A failure here
// never cancels sibling subscriptions: application errors go to this
// subscription's error callback, transport errors to the hub.
func (s *Subscription) pollOnce(ctx context.Context, sess Session, epoch uint64) {
	seq := s.seq.Add(1)

	hnd, err := s.hub.resolveHandle(sess, epoch, s.spec)
	if err != nil {
		s.handleOpError(err, epoch)
		return
	}

	rctx, cancel := context.WithTimeout(ctx, s.hub.requestTimeout)
	raw, err := sess.Read(rctx, hnd, s.spec.ByteLength())
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return // run superseded, not a device failure
		}
		s.handleOpError(err, epoch)
		return
	}

	v, err := ads.Decode(s.spec.Type, raw)
	if err != nil {
		s.reportError(err)
		return
	}
	s.deliver(seq, v)
}

// notifyLoop registers a device change notification and delivers
// decoded samples. Bursts faster than the subscriber consumes are
// coalesced: at most one sample is pending and a newer one overwrites
// it.
func (s *Subscription) notifyLoop(ctx context.Context, sess Session, epoch uint64) error {
	hnd, err := s.hub.resolveHandle(sess, epoch, s.spec)
	if err != nil {
		return err
	}

	samples, cancel, err := sess.Subscribe(ctx, hnd, s.spec.ByteLength())
	if err != nil {
		return err
	}
	defer cancel()

	pending := make(chan []byte, 1)

	// Pump transport samples into the coalescing buffer so a slow
	// subscriber never backs the session reader up.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(pending)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-samples:
				if !ok {
					return
				}
				select {
				case pending <- raw:
				default:
					select {
					case <-pending:
					default:
					}
					select {
					case pending <- raw:
					default:
					}
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-pending:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				// Sample stream ended underneath us: session trouble.
				return &ConnectionError{Kind: ConnUnreachable}
			}
			seq := s.seq.Add(1)
			v, err := ads.Decode(s.spec.Type, raw)
			if err != nil {
				s.reportError(err)
				continue
			}
			s.deliver(seq, v)
		}
	}
}

// deliver pushes a value to the subscriber, honoring edge-triggered and
// ordering semantics.
func (s *Subscription) deliver(seq uint64, v ads.Value) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.closed {
		return
	}
	if s.delivered && seq <= s.lastSeq {
		return // late read for a superseded tick
	}
	s.lastSeq = seq
	if s.delivered && v.Equal(s.last) {
		return
	}
	s.last = v
	s.delivered = true
	s.sub.OnValue(v)
}

// reportError surfaces a per-subscription error. The next tick proceeds
// normally.
func (s *Subscription) reportError(err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed {
		return
	}
	s.sub.OnError(err)
}

func (s *Subscription) handleOpError(err error, epoch uint64) {
	if transportLevel(err) {
		s.hub.reportTransportError(err, epoch)
		return
	}
	s.reportError(err)
}
