package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"adslink/ads"
	"adslink/bridge"
)

// fakeRouter speaks just enough AMS/TCP over a net.Pipe to exercise a
// session: a symbol table, a value store, and pushable notifications.
type fakeRouter struct {
	nc net.Conn

	mu       sync.Mutex
	symbols  map[string]uint32
	values   map[uint32][]byte
	writes   map[uint32][]byte
	notifyOK bool
	nextNtfy uint32
}

func newFakeRouter(nc net.Conn) *fakeRouter {
	return &fakeRouter{
		nc:       nc,
		symbols:  make(map[string]uint32),
		values:   make(map[uint32][]byte),
		writes:   make(map[uint32][]byte),
		notifyOK: true,
		nextNtfy: 0x50,
	}
}

func (r *fakeRouter) addSymbol(name string, handle uint32, value []byte) {
	r.mu.Lock()
	r.symbols[name] = handle
	r.values[handle] = value
	r.mu.Unlock()
}

func (r *fakeRouter) serve() {
	for {
		var tcpHdr [tcpHeaderLen]byte
		if _, err := io.ReadFull(r.nc, tcpHdr[:]); err != nil {
			return
		}
		length := binary.LittleEndian.Uint32(tcpHdr[2:6])
		buf := make([]byte, length)
		if _, err := io.ReadFull(r.nc, buf); err != nil {
			return
		}
		hdr, err := parseAmsHeader(buf)
		if err != nil {
			return
		}
		resp := r.handle(hdr.CommandId, buf[amsHeaderLen:])
		r.respond(hdr, resp)
	}
}

func (r *fakeRouter) handle(cmd uint16, data []byte) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := func(code uint32, rest ...byte) []byte {
		out := make([]byte, 4+len(rest))
		binary.LittleEndian.PutUint32(out[0:4], code)
		copy(out[4:], rest)
		return out
	}

	switch cmd {
	case cmdReadWrite:
		group := binary.LittleEndian.Uint32(data[0:4])
		if group != indexGroupHandleByName {
			return result(0x0702)
		}
		name := string(bytes.TrimRight(data[16:], "\x00"))
		handle, ok := r.symbols[name]
		if !ok {
			return result(adsErrSymbolNotFound, 0, 0, 0, 0)
		}
		out := make([]byte, 12)
		binary.LittleEndian.PutUint32(out[4:8], 4)
		binary.LittleEndian.PutUint32(out[8:12], handle)
		return out

	case cmdRead:
		handle := binary.LittleEndian.Uint32(data[4:8])
		want := int(binary.LittleEndian.Uint32(data[8:12]))
		value, ok := r.values[handle]
		if !ok {
			return result(adsErrSymbolNotFound)
		}
		if len(value) > want {
			value = value[:want]
		}
		out := make([]byte, 8+len(value))
		binary.LittleEndian.PutUint32(out[4:8], uint32(len(value)))
		copy(out[8:], value)
		return out

	case cmdWrite:
		handle := binary.LittleEndian.Uint32(data[4:8])
		if _, ok := r.values[handle]; !ok {
			return result(adsErrSymbolNotFound)
		}
		stored := make([]byte, len(data)-12)
		copy(stored, data[12:])
		r.values[handle] = stored
		r.writes[handle] = stored
		return result(0)

	case cmdAddDeviceNotify:
		if !r.notifyOK {
			return result(adsErrTransModeNotSupp)
		}
		r.nextNtfy++
		out := make([]byte, 8)
		binary.LittleEndian.PutUint32(out[4:8], r.nextNtfy)
		return out

	case cmdDeleteDeviceNotify:
		return result(0)

	default:
		return result(0x0701)
	}
}

func (r *fakeRouter) respond(req amsHeader, data []byte) {
	hdr := amsHeader{
		TargetNetId: req.SourceNetId,
		TargetPort:  req.SourcePort,
		SourceNetId: req.TargetNetId,
		SourcePort:  req.TargetPort,
		CommandId:   req.CommandId,
		StateFlags:  stateFlagResponse,
		DataLength:  uint32(len(data)),
		InvokeId:    req.InvokeId,
	}
	r.mu.Lock()
	r.nc.Write(frame(hdr, data))
	r.mu.Unlock()
}

// push emits an unsolicited device notification with one sample.
func (r *fakeRouter) push(notifyHandle uint32, sample []byte) {
	body := make([]byte, 12+8+len(sample))
	binary.LittleEndian.PutUint32(body[8:12], 1) // one sample
	binary.LittleEndian.PutUint32(body[12:16], notifyHandle)
	binary.LittleEndian.PutUint32(body[16:20], uint32(len(sample)))
	copy(body[20:], sample)

	data := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint32(data[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(data[4:8], 1) // one stamp
	copy(data[8:], body)

	hdr := amsHeader{
		CommandId:  cmdDeviceNotification,
		StateFlags: stateFlagResponse,
		DataLength: uint32(len(data)),
	}
	r.mu.Lock()
	r.nc.Write(frame(hdr, data))
	r.mu.Unlock()
}

func testSession(t *testing.T) (*amsSession, *fakeRouter) {
	t.Helper()
	client, server := net.Pipe()

	c := &conn{
		nc:         client,
		target:     ads.AmsNetId{192, 168, 1, 50, 1, 1},
		targetPort: 851,
		source:     ads.AmsNetId{192, 168, 1, 10, 1, 1},
		sourcePort: defaultSourcePort,
		pending:    make(map[uint32]chan response),
		notify:     make(map[uint32]*notifyStream),
	}
	go c.readLoop()

	r := newFakeRouter(server)
	go r.serve()

	s := &amsSession{
		conn:    c,
		cycle:   100 * time.Millisecond,
		timeout: time.Second,
	}
	t.Cleanup(func() {
		s.Close()
		server.Close()
	})
	return s, r
}

func TestSessionResolveSymbol(t *testing.T) {
	s, r := testSession(t)
	r.addSymbol(".myGlobalVar", 0x8001, []byte{0, 0})

	h, err := s.ResolveSymbol(context.Background(), ".myGlobalVar")
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	if h != 0x8001 {
		t.Errorf("handle = 0x%X, want 0x8001", h)
	}
}

func TestSessionResolveSymbolNotFound(t *testing.T) {
	s, _ := testSession(t)

	_, err := s.ResolveSymbol(context.Background(), ".ghost")
	var se *bridge.SymbolError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want SymbolError", err)
	}
	if se.Name != ".ghost" {
		t.Errorf("symbol name = %q", se.Name)
	}
	var ae *AdsError
	if !errors.As(err, &ae) || ae.Code != adsErrSymbolNotFound {
		t.Errorf("underlying error = %v, want ADS 0x0710", err)
	}
}

func TestSessionReadWrite(t *testing.T) {
	s, r := testSession(t)
	r.addSymbol(".counter", 0x8002, []byte{0x07, 0x00})

	h, err := s.ResolveSymbol(context.Background(), ".counter")
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}

	raw, err := s.Read(context.Background(), h, 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(raw, []byte{0x07, 0x00}) {
		t.Errorf("read = % X, want 07 00", raw)
	}

	if err := s.Write(context.Background(), h, []byte{0x2A, 0x00}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	raw, err = s.Read(context.Background(), h, 2)
	if err != nil {
		t.Fatalf("Read after write: %v", err)
	}
	if !bytes.Equal(raw, []byte{0x2A, 0x00}) {
		t.Errorf("read back = % X, want 2A 00", raw)
	}
}

func TestSessionSubscribe(t *testing.T) {
	s, r := testSession(t)
	r.addSymbol(".level", 0x8003, []byte{0x01, 0x00})

	h, err := s.ResolveSymbol(context.Background(), ".level")
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	samples, cancel, err := s.Subscribe(context.Background(), h, 2)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	r.mu.Lock()
	notifyHandle := r.nextNtfy
	r.mu.Unlock()

	r.push(notifyHandle, []byte{0x05, 0x00})
	select {
	case raw := <-samples:
		if !bytes.Equal(raw, []byte{0x05, 0x00}) {
			t.Errorf("sample = % X, want 05 00", raw)
		}
	case <-time.After(time.Second):
		t.Fatal("no sample delivered")
	}

	cancel()
	select {
	case _, ok := <-samples:
		if ok {
			t.Error("stream should be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestSessionSubscribeUnsupported(t *testing.T) {
	s, r := testSession(t)
	r.addSymbol(".level", 0x8003, []byte{0x01, 0x00})
	r.mu.Lock()
	r.notifyOK = false
	r.mu.Unlock()

	h, err := s.ResolveSymbol(context.Background(), ".level")
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	_, _, err = s.Subscribe(context.Background(), h, 2)
	if !errors.Is(err, bridge.ErrNotificationsUnsupported) {
		t.Fatalf("error = %v, want ErrNotificationsUnsupported", err)
	}
}

func TestSessionRequestAfterClose(t *testing.T) {
	s, r := testSession(t)
	r.addSymbol(".level", 0x8003, []byte{0x01, 0x00})

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.ResolveSymbol(context.Background(), ".level"); err == nil {
		t.Error("request on closed session should fail")
	}
}

func TestConnPeerDisconnect(t *testing.T) {
	s, r := testSession(t)
	r.addSymbol(".level", 0x8003, []byte{0x01, 0x00})

	h, err := s.ResolveSymbol(context.Background(), ".level")
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	samples, cancel, err := s.Subscribe(context.Background(), h, 2)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	// Router goes away: in-flight and future requests fail, streams end.
	r.nc.Close()

	if _, err := s.Read(context.Background(), h, 2); err == nil {
		t.Error("read after peer disconnect should fail")
	}
	select {
	case _, ok := <-samples:
		if ok {
			t.Error("sample stream should be closed after disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("sample stream not closed after disconnect")
	}
}
