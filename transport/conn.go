package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"adslink/ads"
	"adslink/logging"
)

// tcpPort is the fixed AMS router TCP port.
const tcpPort = 48898

// conn is one AMS/TCP connection. A single reader goroutine demuxes
// incoming frames: command responses are matched to waiters by invoke
// ID, device notifications are routed to their sample streams.
type conn struct {
	nc net.Conn

	target     ads.AmsNetId
	targetPort uint16
	source     ads.AmsNetId
	sourcePort uint16

	writeMu sync.Mutex
	invoke  atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan response

	notifyMu sync.Mutex
	notify   map[uint32]*notifyStream

	closed  atomic.Bool
	readErr atomic.Value
}

type response struct {
	hdr  amsHeader
	data []byte
}

// notifyStream is one registered device notification.
type notifyStream struct {
	ch   chan []byte
	once sync.Once
}

func (s *notifyStream) close() {
	s.once.Do(func() { close(s.ch) })
}

func dial(ctx context.Context, addr ads.DeviceAddress, source ads.AmsNetId, sourcePort uint16) (*conn, error) {
	dialer := &net.Dialer{}
	target := net.JoinHostPort(addr.DialHost(), fmt.Sprintf("%d", tcpPort))
	nc, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	if source.IsZero() {
		// Routers accept any source Net ID they have a route for; the
		// local IP with the .1.1 suffix is the usual choice.
		if local, ok := nc.LocalAddr().(*net.TCPAddr); ok {
			if derived, err := ads.AmsNetIdFromIP(local.IP.String()); err == nil {
				source = derived
			}
		}
	}

	c := &conn{
		nc:         nc,
		target:     addr.NetId,
		targetPort: addr.Port,
		source:     source,
		sourcePort: sourcePort,
		pending:    make(map[uint32]chan response),
		notify:     make(map[uint32]*notifyStream),
	}
	go c.readLoop()

	logging.DebugConnectSuccess("ads", target, fmt.Sprintf("ams %s:%d", addr.NetId, addr.Port))
	return c, nil
}

// request sends one command and waits for its response payload. The
// context bounds the whole exchange.
func (c *conn) request(ctx context.Context, cmd uint16, payload []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("connection closed")
	}

	invokeId := c.invoke.Add(1)
	hdr := amsHeader{
		TargetNetId: c.target,
		TargetPort:  c.targetPort,
		SourceNetId: c.source,
		SourcePort:  c.sourcePort,
		CommandId:   cmd,
		StateFlags:  stateFlagRequest,
		DataLength:  uint32(len(payload)),
		InvokeId:    invokeId,
	}
	buf := frame(hdr, payload)

	respCh := make(chan response, 1)
	c.pendingMu.Lock()
	if c.pending == nil {
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.pending[invokeId] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, invokeId)
		c.pendingMu.Unlock()
	}()

	if deadline, ok := ctx.Deadline(); ok {
		c.nc.SetWriteDeadline(deadline)
	}
	c.writeMu.Lock()
	_, err := c.nc.Write(buf)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write command 0x%04X: %w", cmd, err)
	}
	logging.DebugTX("ads", buf)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-respCh:
		if !ok {
			if err, _ := c.readErr.Load().(error); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("connection closed")
		}
		if resp.hdr.ErrorCode != 0 {
			return nil, &AdsError{Code: resp.hdr.ErrorCode}
		}
		return resp.data, nil
	}
}

// readLoop is the sole reader. On any framing or socket error the
// connection is dead: every waiter and sample stream is terminated.
func (c *conn) readLoop() {
	for {
		frame, err := c.readFrame()
		if err != nil {
			if !c.closed.Load() {
				c.readErr.Store(err)
				logging.DebugError("ads", "read loop", err)
			}
			c.teardown()
			return
		}

		hdr, err := parseAmsHeader(frame)
		if err != nil {
			c.readErr.Store(err)
			c.teardown()
			return
		}
		data := frame[amsHeaderLen:]
		logging.DebugRX("ads", frame)

		if hdr.CommandId == cmdDeviceNotification {
			c.routeNotification(data)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[hdr.InvokeId]
		if ok {
			delete(c.pending, hdr.InvokeId)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- response{hdr: hdr, data: data}
			close(ch)
		}
	}
}

func (c *conn) readFrame() ([]byte, error) {
	var tcpHdr [tcpHeaderLen]byte
	if _, err := io.ReadFull(c.nc, tcpHdr[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(tcpHdr[2:6])
	if length < amsHeaderLen || length > 1<<24 {
		return nil, fmt.Errorf("invalid AMS frame length %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// routeNotification fans samples out to their registered streams.
// A stream that is not drained fast enough loses its oldest sample;
// the reader never blocks on a consumer.
func (c *conn) routeNotification(data []byte) {
	samples, err := parseNotification(data)
	if err != nil {
		logging.DebugError("ads/notify", "parse notification", err)
		return
	}
	for _, sample := range samples {
		c.notifyMu.Lock()
		stream := c.notify[sample.Handle]
		c.notifyMu.Unlock()
		if stream == nil {
			continue
		}
		select {
		case stream.ch <- sample.Data:
		default:
			select {
			case <-stream.ch:
			default:
			}
			select {
			case stream.ch <- sample.Data:
			default:
			}
		}
	}
}

// addStream registers a sample stream for a notification handle.
func (c *conn) addStream(handle uint32) *notifyStream {
	stream := &notifyStream{ch: make(chan []byte, 16)}
	c.notifyMu.Lock()
	c.notify[handle] = stream
	c.notifyMu.Unlock()
	return stream
}

// dropStream unregisters and closes a sample stream.
func (c *conn) dropStream(handle uint32) {
	c.notifyMu.Lock()
	stream := c.notify[handle]
	delete(c.notify, handle)
	c.notifyMu.Unlock()
	if stream != nil {
		stream.close()
	}
}

// teardown terminates every waiter and stream after the reader stops.
func (c *conn) teardown() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()
	for _, ch := range pending {
		close(ch)
	}

	c.notifyMu.Lock()
	streams := c.notify
	c.notify = make(map[uint32]*notifyStream)
	c.notifyMu.Unlock()
	for _, s := range streams {
		s.close()
	}
}

func (c *conn) close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.nc.Close()
	// readLoop notices the closed socket and runs teardown; give
	// direct callers deterministic cleanup too.
	c.teardown()
	logging.DebugDisconnect("ads", c.nc.RemoteAddr().String(), "closed")
	return err
}

// requestBounded wraps request with a fallback timeout when the
// caller's context has no deadline.
func (c *conn) requestBounded(ctx context.Context, cmd uint16, payload []byte, fallback time.Duration) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok && fallback > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fallback)
		defer cancel()
	}
	return c.request(ctx, cmd, payload)
}
