package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"adslink/ads"
)

// mockDevice is an in-memory PLC shared by every session a mockTransport
// hands out. Tests mutate it to simulate symbol tables, value changes
// and transport failures.
type mockDevice struct {
	mu      sync.Mutex
	vars    map[string][]byte
	handles map[SymbolHandle]string
	next    SymbolHandle

	dialErr      error
	readErr      error
	writeErr     error
	subscribeErr error

	connects int
	resolves int
	reads    int
	writes   []mockWrite

	// writeHold keeps each write in flight long enough for overlap
	// detection in the serialization test.
	writeHold time.Duration
	busy      map[string]bool
	overlap   bool

	notify map[string][]chan []byte
}

type mockWrite struct {
	name string
	data []byte
}

func newMockDevice() *mockDevice {
	return &mockDevice{
		vars:         make(map[string][]byte),
		handles:      make(map[SymbolHandle]string),
		next:         1000,
		subscribeErr: ErrNotificationsUnsupported,
		busy:         make(map[string]bool),
		notify:       make(map[string][]chan []byte),
	}
}

func (d *mockDevice) set(name string, data []byte) {
	d.mu.Lock()
	d.vars[name] = data
	d.mu.Unlock()
}

func (d *mockDevice) setValue(t *testing.T, name string, typ ads.Type, native any) {
	t.Helper()
	data, err := ads.Encode(typ, ads.MustValue(typ, native))
	if err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
	d.set(name, data)
}

func (d *mockDevice) setDialErr(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}

func (d *mockDevice) setReadErr(err error) {
	d.mu.Lock()
	d.readErr = err
	d.mu.Unlock()
}

func (d *mockDevice) counts() (connects, resolves, reads, writes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects, d.resolves, d.reads, len(d.writes)
}

func (d *mockDevice) lastWrite() (mockWrite, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.writes) == 0 {
		return mockWrite{}, false
	}
	return d.writes[len(d.writes)-1], true
}

// push delivers a raw sample to every notification stream on the name.
// Sends block until the session pump picks them up.
func (d *mockDevice) push(name string, data []byte) {
	d.mu.Lock()
	chans := append([]chan []byte(nil), d.notify[name]...)
	d.mu.Unlock()
	for _, ch := range chans {
		ch <- data
	}
}

// Connect implements Transport.
func (d *mockDevice) Connect(ctx context.Context, addr ads.DeviceAddress) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return &mockSession{dev: d}, nil
}

type mockSession struct {
	dev *mockDevice

	mu     sync.Mutex
	closed bool
}

func (s *mockSession) ResolveSymbol(ctx context.Context, name string) (SymbolHandle, error) {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolves++
	if _, ok := d.vars[name]; !ok {
		return 0, &SymbolError{Name: name}
	}
	for h, n := range d.handles {
		if n == name {
			return h, nil
		}
	}
	d.next++
	d.handles[d.next] = name
	return d.next, nil
}

func (s *mockSession) Read(ctx context.Context, h SymbolHandle, length int) ([]byte, error) {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if d.readErr != nil {
		return nil, d.readErr
	}
	name, ok := d.handles[h]
	if !ok {
		return nil, &SymbolError{Name: "?"}
	}
	data := d.vars[name]
	if len(data) > length {
		data = data[:length]
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *mockSession) Write(ctx context.Context, h SymbolHandle, data []byte) error {
	d := s.dev
	d.mu.Lock()
	if d.writeErr != nil {
		d.mu.Unlock()
		return d.writeErr
	}
	name, ok := d.handles[h]
	if !ok {
		d.mu.Unlock()
		return &SymbolError{Name: "?"}
	}
	if d.busy[name] {
		d.overlap = true
	}
	d.busy[name] = true
	hold := d.writeHold
	d.mu.Unlock()

	if hold > 0 {
		time.Sleep(hold)
	}

	d.mu.Lock()
	d.busy[name] = false
	stored := make([]byte, len(data))
	copy(stored, data)
	d.vars[name] = stored
	d.writes = append(d.writes, mockWrite{name: name, data: stored})
	d.mu.Unlock()
	return nil
}

func (s *mockSession) Subscribe(ctx context.Context, h SymbolHandle, length int) (<-chan []byte, func(), error) {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subscribeErr != nil {
		return nil, nil, d.subscribeErr
	}
	name, ok := d.handles[h]
	if !ok {
		return nil, nil, &SymbolError{Name: "?"}
	}
	ch := make(chan []byte)
	d.notify[name] = append(d.notify[name], ch)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			streams := d.notify[name]
			for i, c := range streams {
				if c == ch {
					d.notify[name] = append(streams[:i], streams[i+1:]...)
					break
				}
			}
		})
	}
	return ch, cancel, nil
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// recorder is a Subscriber that remembers every callback.
type recorder struct {
	mu     sync.Mutex
	values []ads.Value
	errs   []error
}

func (r *recorder) OnValue(v ads.Value) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) valueCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

func (r *recorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *recorder) value(i int) ads.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[i]
}

func (r *recorder) firstErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
