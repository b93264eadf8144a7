package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"adslink/ads"
	"adslink/logging"
)

// State is the connection state of a Hub.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// defaultBackoff is the reconnect schedule in seconds. Attempts past the
// end reuse the last entry.
var defaultBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 32 * time.Second, 60 * time.Second,
}

const (
	defaultConnectTimeout = 5 * time.Second
	defaultRequestTimeout = 2 * time.Second
	defaultPollInterval   = 500 * time.Millisecond
	defaultMaxRetries     = 5
)

// Option configures a Hub.
type Option func(*Hub)

// WithConnectTimeout bounds each session establishment attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(h *Hub) { h.connectTimeout = d }
}

// WithRequestTimeout bounds each read, write and resolve call.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Hub) { h.requestTimeout = d }
}

// WithBackoff replaces the reconnect delay schedule.
func WithBackoff(schedule []time.Duration) Option {
	return func(h *Hub) {
		if len(schedule) > 0 {
			h.backoff = schedule
		}
	}
}

// WithMaxRetries bounds consecutive reconnect attempts before the hub
// gives up and enters StateFailed.
func WithMaxRetries(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxRetries = n
		}
	}
}

// WithPollInterval sets the poll cadence for subscriptions that specify
// none and cannot use change notifications.
func WithPollInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.defaultPoll = d
		}
	}
}

// WithNotifications enables or disables device change notifications.
// Disabled, every subscription polls.
func WithNotifications(enabled bool) Option {
	return func(h *Hub) { h.useNotifications = enabled }
}

// Hub owns one ADS session to one device, the symbol handle cache, all
// subscriptions, and the write path. It is the sole synchronization
// point between entity adapters and the transport.
type Hub struct {
	transport Transport
	addr      ads.DeviceAddress

	connectTimeout   time.Duration
	requestTimeout   time.Duration
	backoff          []time.Duration
	maxRetries       int
	defaultPoll      time.Duration
	useNotifications bool

	mu           sync.Mutex
	state        State
	session      Session
	epoch        uint64 // bumped on every session change; stale work is discarded
	handles      map[string]SymbolHandle
	subs         map[*Subscription]struct{}
	writeLocks   map[string]*sync.Mutex
	listeners    map[int]func(State)
	nextListener int
	reconnecting bool
	closed       bool
	lastErr      error

	done chan struct{}
}

// NewHub creates a Hub for the given device. The transport session is
// not opened until Connect.
func NewHub(t Transport, addr ads.DeviceAddress, opts ...Option) *Hub {
	h := &Hub{
		transport:        t,
		addr:             addr,
		connectTimeout:   defaultConnectTimeout,
		requestTimeout:   defaultRequestTimeout,
		backoff:          defaultBackoff,
		maxRetries:       defaultMaxRetries,
		defaultPoll:      defaultPollInterval,
		useNotifications: true,
		state:            StateDisconnected,
		handles:          make(map[string]SymbolHandle),
		subs:             make(map[*Subscription]struct{}),
		writeLocks:       make(map[string]*sync.Mutex),
		listeners:        make(map[int]func(State)),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Address returns the device address the hub was built for.
func (h *Hub) Address() ads.DeviceAddress {
	return h.addr
}

// State returns the current connection state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastError returns the most recent connection-level error.
func (h *Hub) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// OnStateChange registers a listener invoked on every state transition.
// The returned function removes it.
func (h *Hub) OnStateChange(fn func(State)) func() {
	h.mu.Lock()
	id := h.nextListener
	h.nextListener++
	h.listeners[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// setState updates the state and notifies listeners. Must be called
// without h.mu held.
func (h *Hub) setState(s State) {
	h.mu.Lock()
	if h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	fns := make([]func(State), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	logging.DebugLog("bridge", "state -> %v (%s)", s, h.addr)
	for _, fn := range fns {
		fn(s)
	}
}

// Connect establishes the session. Idempotent while Connected. A prior
// session, including a Failed one, is torn down first; subscriptions
// resume delivery once the new session is up.
func (h *Hub) Connect() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("hub is closed")
	}
	if h.state == StateConnected {
		h.mu.Unlock()
		return nil
	}
	old := h.session
	h.session = nil
	h.epoch++
	h.mu.Unlock()

	if old != nil {
		old.Close()
	}
	h.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), h.connectTimeout)
	defer cancel()
	sess, err := h.transport.Connect(ctx, h.addr)
	if err != nil {
		h.mu.Lock()
		h.lastErr = err
		h.mu.Unlock()
		h.setState(StateDisconnected)
		return &ConnectionError{Kind: ConnUnreachable, Err: err}
	}

	h.adopt(sess)
	return nil
}

// adopt installs a fresh session, invalidates cached handles and
// restarts subscription workers.
func (h *Hub) adopt(sess Session) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sess.Close()
		return
	}
	if h.session != nil && h.session != sess {
		h.session.Close()
	}
	h.session = sess
	h.epoch++
	h.handles = make(map[string]SymbolHandle)
	h.lastErr = nil
	epoch := h.epoch
	subs := h.subsSnapshotLocked()
	h.mu.Unlock()

	h.setState(StateConnected)
	for _, s := range subs {
		s.start(sess, epoch)
	}
}

func (h *Hub) subsSnapshotLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	return subs
}

// connectedSession returns the live session or a NotConnected error.
func (h *Hub) connectedSession() (Session, uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateConnected || h.session == nil {
		return nil, 0, &ConnectionError{Kind: ConnNotConnected}
	}
	return h.session, h.epoch, nil
}

// resolveHandle returns the cached handle for the spec, resolving it
// through the session on first use. Caches are per-session: epoch
// mismatch means the session changed underneath the caller.
func (h *Hub) resolveHandle(sess Session, epoch uint64, spec ads.VariableSpec) (SymbolHandle, error) {
	key := spec.Key()

	h.mu.Lock()
	if h.epoch != epoch {
		h.mu.Unlock()
		return 0, &ConnectionError{Kind: ConnNotConnected}
	}
	if hnd, ok := h.handles[key]; ok {
		h.mu.Unlock()
		return hnd, nil
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
	defer cancel()
	hnd, err := sess.ResolveSymbol(ctx, spec.Name)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	if h.epoch == epoch {
		h.handles[key] = hnd
	}
	h.mu.Unlock()
	return hnd, nil
}

// reportTransportError tears the session down and starts the bounded
// reconnect loop. Errors from superseded sessions are ignored.
func (h *Hub) reportTransportError(err error, epoch uint64) {
	h.mu.Lock()
	if h.closed || h.epoch != epoch || h.state != StateConnected {
		h.mu.Unlock()
		return
	}
	sess := h.session
	h.session = nil
	h.epoch++
	h.handles = make(map[string]SymbolHandle)
	h.lastErr = err
	already := h.reconnecting
	h.reconnecting = true
	subs := h.subsSnapshotLocked()
	h.mu.Unlock()

	logging.DebugLog("bridge", "transport error, reconnecting: %v", err)
	for _, s := range subs {
		s.suspend()
	}
	if sess != nil {
		sess.Close()
	}
	h.setState(StateReconnecting)
	if !already {
		go h.reconnectLoop()
	}
}

// reconnectLoop retries session establishment with exponential backoff
// until it succeeds, the retry budget is exhausted, or the hub closes.
func (h *Hub) reconnectLoop() {
	for attempt := 0; ; attempt++ {
		h.mu.Lock()
		if h.closed || h.state != StateReconnecting {
			h.reconnecting = false
			h.mu.Unlock()
			return
		}
		max := h.maxRetries
		h.mu.Unlock()

		if attempt >= max {
			h.failAfter(attempt)
			return
		}

		delay := h.backoff[min(attempt, len(h.backoff)-1)]
		logging.DebugLog("bridge", "reconnect attempt %d/%d in %v", attempt+1, max, delay)
		select {
		case <-h.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.connectTimeout)
		sess, err := h.transport.Connect(ctx, h.addr)
		cancel()
		if err != nil {
			h.mu.Lock()
			h.lastErr = err
			h.mu.Unlock()
			continue
		}

		h.mu.Lock()
		if h.closed || h.state != StateReconnecting {
			h.reconnecting = false
			h.mu.Unlock()
			sess.Close()
			return
		}
		h.reconnecting = false
		h.mu.Unlock()

		logging.DebugLog("bridge", "reconnected to %s", h.addr)
		h.adopt(sess)
		return
	}
}

// failAfter enters the terminal Failed state and notifies every active
// subscription exactly once. A later explicit Connect leaves it.
func (h *Hub) failAfter(attempts int) {
	err := &ConnectionError{
		Kind: ConnUnreachable,
		Err:  fmt.Errorf("retry budget exhausted after %d attempts", attempts),
	}

	h.mu.Lock()
	h.reconnecting = false
	h.lastErr = err
	subs := h.subsSnapshotLocked()
	h.mu.Unlock()

	logging.DebugLog("bridge", "giving up on %s: %v", h.addr, err)
	h.setState(StateFailed)
	for _, s := range subs {
		s.reportError(err)
	}
}

// Subscribe registers a delivery target for the variable. Delivery
// starts with the first successful read (cold-start) and afterwards only
// on value changes. The caller owns the returned Subscription and must
// Close it when done.
func (h *Hub) Subscribe(spec ads.VariableSpec, target Subscriber) (*Subscription, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("nil subscriber")
	}

	s := newSubscription(h, spec, target)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("hub is closed")
	}
	h.subs[s] = struct{}{}
	sess := h.session
	epoch := h.epoch
	connected := h.state == StateConnected
	h.mu.Unlock()

	if connected {
		s.start(sess, epoch)
	}
	return s, nil
}

func (h *Hub) removeSubscription(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// writeLock returns the per-variable mutex serializing writes to one
// handle. Writes to different variables proceed independently.
func (h *Hub) writeLock(key string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	lk, ok := h.writeLocks[key]
	if !ok {
		lk = &sync.Mutex{}
		h.writeLocks[key] = lk
	}
	return lk
}

// Write validates, encodes and synchronously writes a value to the
// variable. A tag mismatch fails before any transport interaction.
// Transport failures trigger the reconnect path and fail the write;
// writes are never retried internally.
func (h *Hub) Write(spec ads.VariableSpec, v ads.Value) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if v.Type() != spec.Type {
		return &ads.CodecError{Kind: ads.ErrTypeMismatch, Type: spec.Type, Got: v.Type().String()}
	}
	data, err := ads.EncodeN(spec.Type, v, spec.StringLength)
	if err != nil {
		return err
	}

	sess, epoch, err := h.connectedSession()
	if err != nil {
		return err
	}

	lk := h.writeLock(spec.Key())
	lk.Lock()
	defer lk.Unlock()

	hnd, err := h.resolveHandle(sess, epoch, spec)
	if err != nil {
		return h.finishOp(spec.Name, "resolve", err, epoch)
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
	defer cancel()
	if err := sess.Write(ctx, hnd, data); err != nil {
		return h.finishOp(spec.Name, "write", err, epoch)
	}

	logging.DebugLog("bridge", "wrote %s = %v", spec.Name, v)
	return nil
}

// Read performs a one-shot synchronous read of the variable.
func (h *Hub) Read(spec ads.VariableSpec) (ads.Value, error) {
	if err := spec.Validate(); err != nil {
		return ads.Value{}, err
	}

	sess, epoch, err := h.connectedSession()
	if err != nil {
		return ads.Value{}, err
	}

	hnd, err := h.resolveHandle(sess, epoch, spec)
	if err != nil {
		return ads.Value{}, h.finishOp(spec.Name, "resolve", err, epoch)
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
	defer cancel()
	raw, err := sess.Read(ctx, hnd, spec.ByteLength())
	if err != nil {
		return ads.Value{}, h.finishOp(spec.Name, "read", err, epoch)
	}

	return ads.Decode(spec.Type, raw)
}

// finishOp classifies an operation failure: transport-level errors kick
// off reconnection and come back wrapped; application-level errors pass
// through untouched.
func (h *Hub) finishOp(name, op string, err error, epoch uint64) error {
	if !transportLevel(err) {
		return err
	}
	logging.DebugLog("bridge", "%s %s failed: %v", op, name, err)
	h.reportTransportError(err, epoch)
	return connErr(err)
}

// Close tears down the session and stops all subscription work. The hub
// cannot be reused afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	sess := h.session
	h.session = nil
	h.epoch++
	subs := h.subsSnapshotLocked()
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		s.suspend()
	}
	if sess != nil {
		sess.Close()
	}
	h.setState(StateDisconnected)
}
