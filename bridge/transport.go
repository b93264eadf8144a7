// Package bridge connects typed TwinCAT PLC variables to entity adapters:
// it owns the ADS session lifecycle, schedules polls and change
// notifications, and dispatches validated writes.
package bridge

import (
	"context"
	"errors"

	"adslink/ads"
)

// SymbolHandle is the opaque runtime handle of a resolved PLC symbol.
// Handles are only valid for the session that resolved them.
type SymbolHandle uint32

// Transport opens ADS sessions. The production implementation lives in
// the transport package; tests substitute mocks.
type Transport interface {
	// Connect establishes a session to the device. The context carries
	// the connect timeout; exceeding it is a transport failure.
	Connect(ctx context.Context, addr ads.DeviceAddress) (Session, error)
}

// Session is one established ADS connection.
// All methods may be called concurrently.
type Session interface {
	// ResolveSymbol looks up the runtime handle for a symbolic name.
	// An unknown name fails with a *SymbolError.
	ResolveSymbol(ctx context.Context, name string) (SymbolHandle, error)

	// Read fetches length bytes of the symbol's current value.
	Read(ctx context.Context, h SymbolHandle, length int) ([]byte, error)

	// Write replaces the symbol's value with data.
	Write(ctx context.Context, h SymbolHandle, data []byte) error

	// Subscribe registers a device change notification of the given byte
	// length. Raw samples arrive on the returned channel until cancel is
	// called or the session closes; the channel is closed afterwards.
	// Sessions that cannot notify return ErrNotificationsUnsupported.
	Subscribe(ctx context.Context, h SymbolHandle, length int) (samples <-chan []byte, cancel func(), err error)

	// Close tears the session down and releases all handles.
	Close() error
}

// ErrNotificationsUnsupported is returned by Session.Subscribe when the
// transport cannot register device notifications; the scheduler falls
// back to interval polling.
var ErrNotificationsUnsupported = errors.New("change notifications not supported")
