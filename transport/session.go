package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"adslink/ads"
	"adslink/bridge"
	"adslink/logging"
)

// defaultSourcePort is the AMS port this client claims for itself.
const defaultSourcePort uint16 = 32905

// AmsTransport opens AMS/TCP sessions to TwinCAT devices. The zero
// value is usable; fields override the defaults.
type AmsTransport struct {
	// SourceNetId identifies this client to the router. Derived from
	// the local socket address when zero.
	SourceNetId ads.AmsNetId

	// SourcePort is the local AMS port, defaulting to 32905.
	SourcePort uint16

	// CycleTime is how often the device evaluates change notifications.
	// Zero means 100ms.
	CycleTime time.Duration

	// MaxDelay bounds how long the device may batch pending
	// notifications before sending them.
	MaxDelay time.Duration

	// RequestTimeout bounds transport calls whose context carries no
	// deadline of its own. Zero means 5s.
	RequestTimeout time.Duration
}

// Connect implements bridge.Transport.
func (t *AmsTransport) Connect(ctx context.Context, addr ads.DeviceAddress) (bridge.Session, error) {
	sourcePort := t.SourcePort
	if sourcePort == 0 {
		sourcePort = defaultSourcePort
	}
	c, err := dial(ctx, addr, t.SourceNetId, sourcePort)
	if err != nil {
		return nil, err
	}

	cycle := t.CycleTime
	if cycle <= 0 {
		cycle = 100 * time.Millisecond
	}
	timeout := t.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &amsSession{
		conn:     c,
		cycle:    cycle,
		maxDelay: t.MaxDelay,
		timeout:  timeout,
	}, nil
}

// amsSession implements bridge.Session on one AMS/TCP connection.
type amsSession struct {
	conn     *conn
	cycle    time.Duration
	maxDelay time.Duration
	timeout  time.Duration
}

// ResolveSymbol looks up the runtime handle for a symbol name via the
// handle-by-name index group.
func (s *amsSession) ResolveSymbol(ctx context.Context, name string) (bridge.SymbolHandle, error) {
	payload := readWriteRequest(indexGroupHandleByName, 0, 4, append([]byte(name), 0))
	resp, err := s.conn.requestBounded(ctx, cmdReadWrite, payload, s.timeout)
	if err != nil {
		return 0, err
	}
	result, rest, err := resultAndData(resp)
	if err != nil {
		return 0, err
	}
	if result != 0 {
		return 0, symbolResult(name, result)
	}
	if len(rest) < 8 {
		return 0, fmt.Errorf("short handle response: %d bytes", len(rest))
	}
	handle := binary.LittleEndian.Uint32(rest[4:8])
	logging.DebugLog("ads", "resolved %s -> handle 0x%08X", name, handle)
	return bridge.SymbolHandle(handle), nil
}

// Read fetches the symbol's current value by handle.
func (s *amsSession) Read(ctx context.Context, h bridge.SymbolHandle, length int) ([]byte, error) {
	payload := readRequest(indexGroupValueByHandle, uint32(h), uint32(length))
	resp, err := s.conn.requestBounded(ctx, cmdRead, payload, s.timeout)
	if err != nil {
		return nil, err
	}
	result, rest, err := resultAndData(resp)
	if err != nil {
		return nil, err
	}
	if result != 0 {
		return nil, &AdsError{Code: result}
	}
	if len(rest) < 4 {
		return nil, fmt.Errorf("short read response: %d bytes", len(rest))
	}
	n := int(binary.LittleEndian.Uint32(rest[0:4]))
	if len(rest) < 4+n {
		return nil, fmt.Errorf("read response truncated: want %d bytes, have %d", n, len(rest)-4)
	}
	return rest[4 : 4+n], nil
}

// Write replaces the symbol's value by handle.
func (s *amsSession) Write(ctx context.Context, h bridge.SymbolHandle, data []byte) error {
	payload := writeRequest(indexGroupValueByHandle, uint32(h), data)
	resp, err := s.conn.requestBounded(ctx, cmdWrite, payload, s.timeout)
	if err != nil {
		return err
	}
	result, _, err := resultAndData(resp)
	if err != nil {
		return err
	}
	if result != 0 {
		return &AdsError{Code: result}
	}
	return nil
}

// Subscribe registers a server-on-change device notification for the
// handle and streams its raw samples.
func (s *amsSession) Subscribe(ctx context.Context, h bridge.SymbolHandle, length int) (<-chan []byte, func(), error) {
	payload := addNotifyRequest(
		indexGroupValueByHandle, uint32(h), uint32(length),
		transServerOnChange,
		uint32(s.maxDelay/time.Millisecond),
		uint32(s.cycle/time.Millisecond),
	)
	resp, err := s.conn.requestBounded(ctx, cmdAddDeviceNotify, payload, s.timeout)
	if err != nil {
		return nil, nil, err
	}
	result, rest, err := resultAndData(resp)
	if err != nil {
		return nil, nil, err
	}
	switch result {
	case 0:
	case 0x0701, adsErrTransModeNotSupp:
		return nil, nil, bridge.ErrNotificationsUnsupported
	default:
		return nil, nil, &AdsError{Code: result}
	}
	if len(rest) < 4 {
		return nil, nil, fmt.Errorf("short notification response: %d bytes", len(rest))
	}
	notifyHandle := binary.LittleEndian.Uint32(rest[0:4])

	stream := s.conn.addStream(notifyHandle)
	logging.DebugLog("ads/notify", "registered handle 0x%08X for symbol handle 0x%08X", notifyHandle, h)

	cancel := func() {
		s.conn.dropStream(notifyHandle)
		dctx, done := context.WithTimeout(context.Background(), s.timeout)
		defer done()
		// Best effort: a dead connection invalidates the registration
		// on its own.
		s.conn.request(dctx, cmdDeleteDeviceNotify, deleteNotifyRequest(notifyHandle))
	}
	return stream.ch, cancel, nil
}

// Close tears the connection down; the device drops all handles and
// notifications registered on it.
func (s *amsSession) Close() error {
	return s.conn.close()
}

// symbolResult maps symbol lookup failures onto the bridge error
// taxonomy; anything else stays an AdsError.
func symbolResult(name string, code uint32) error {
	switch code {
	case adsErrSymbolNotFound, adsErrSymbolVersionChange:
		return &bridge.SymbolError{Name: name, Err: &AdsError{Code: code}}
	default:
		return &AdsError{Code: code}
	}
}

// IsTimeout reports whether err is a device-side timeout result.
func IsTimeout(err error) bool {
	var ae *AdsError
	return errors.As(err, &ae) && ae.Code == adsErrDeviceTimeout
}
