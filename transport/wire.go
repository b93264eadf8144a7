// Package transport implements AMS/TCP sessions against a Beckhoff
// TwinCAT router, exposing them through the bridge transport interfaces.
package transport

import (
	"encoding/binary"
	"fmt"
)

// AMS/TCP frame: 6-byte TCP header (reserved uint16 + length uint32)
// followed by the 32-byte AMS header and the command payload. All
// fields are little-endian.
const (
	tcpHeaderLen = 6
	amsHeaderLen = 32
)

// ADS command IDs.
const (
	cmdRead               uint16 = 0x0002
	cmdWrite              uint16 = 0x0003
	cmdAddDeviceNotify    uint16 = 0x0006
	cmdDeleteDeviceNotify uint16 = 0x0007
	cmdDeviceNotification uint16 = 0x0008
	cmdReadWrite          uint16 = 0x0009
)

// State flags.
const (
	stateFlagRequest  uint16 = 0x0004
	stateFlagResponse uint16 = 0x0005
)

// Index groups for symbolic access.
const (
	indexGroupHandleByName  uint32 = 0xF003
	indexGroupValueByHandle uint32 = 0xF005
	indexGroupReleaseHandle uint32 = 0xF006
)

// Notification transmission modes.
const (
	transServerCycle    uint32 = 3
	transServerOnChange uint32 = 4
)

type amsHeader struct {
	TargetNetId [6]byte
	TargetPort  uint16
	SourceNetId [6]byte
	SourcePort  uint16
	CommandId   uint16
	StateFlags  uint16
	DataLength  uint32
	ErrorCode   uint32
	InvokeId    uint32
}

// frame serializes one complete AMS/TCP frame.
func frame(hdr amsHeader, data []byte) []byte {
	buf := make([]byte, tcpHeaderLen+amsHeaderLen+len(data))
	binary.LittleEndian.PutUint16(buf[0:2], 0)
	binary.LittleEndian.PutUint32(buf[2:6], amsHeaderLen+uint32(len(data)))

	copy(buf[6:12], hdr.TargetNetId[:])
	binary.LittleEndian.PutUint16(buf[12:14], hdr.TargetPort)
	copy(buf[14:20], hdr.SourceNetId[:])
	binary.LittleEndian.PutUint16(buf[20:22], hdr.SourcePort)
	binary.LittleEndian.PutUint16(buf[22:24], hdr.CommandId)
	binary.LittleEndian.PutUint16(buf[24:26], hdr.StateFlags)
	binary.LittleEndian.PutUint32(buf[26:30], hdr.DataLength)
	binary.LittleEndian.PutUint32(buf[30:34], hdr.ErrorCode)
	binary.LittleEndian.PutUint32(buf[34:38], hdr.InvokeId)

	copy(buf[38:], data)
	return buf
}

// parseAmsHeader decodes the 32-byte AMS header.
func parseAmsHeader(b []byte) (amsHeader, error) {
	if len(b) < amsHeaderLen {
		return amsHeader{}, fmt.Errorf("short AMS header: %d bytes", len(b))
	}
	var h amsHeader
	copy(h.TargetNetId[:], b[0:6])
	h.TargetPort = binary.LittleEndian.Uint16(b[6:8])
	copy(h.SourceNetId[:], b[8:14])
	h.SourcePort = binary.LittleEndian.Uint16(b[14:16])
	h.CommandId = binary.LittleEndian.Uint16(b[16:18])
	h.StateFlags = binary.LittleEndian.Uint16(b[18:20])
	h.DataLength = binary.LittleEndian.Uint32(b[20:24])
	h.ErrorCode = binary.LittleEndian.Uint32(b[24:28])
	h.InvokeId = binary.LittleEndian.Uint32(b[28:32])
	return h, nil
}

// readRequest builds the payload for cmdRead.
func readRequest(group, offset, length uint32) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], group)
	binary.LittleEndian.PutUint32(buf[4:8], offset)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	return buf
}

// writeRequest builds the payload for cmdWrite.
func writeRequest(group, offset uint32, data []byte) []byte {
	buf := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], group)
	binary.LittleEndian.PutUint32(buf[4:8], offset)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(data)))
	copy(buf[12:], data)
	return buf
}

// readWriteRequest builds the payload for cmdReadWrite.
func readWriteRequest(group, offset, readLen uint32, data []byte) []byte {
	buf := make([]byte, 16+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], group)
	binary.LittleEndian.PutUint32(buf[4:8], offset)
	binary.LittleEndian.PutUint32(buf[8:12], readLen)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(data)))
	copy(buf[16:], data)
	return buf
}

// addNotifyRequest builds the payload for cmdAddDeviceNotify.
// MaxDelay and CycleTime are in milliseconds; 16 reserved bytes trail.
func addNotifyRequest(group, offset, length, mode, maxDelay, cycleTime uint32) []byte {
	buf := make([]byte, 40)
	binary.LittleEndian.PutUint32(buf[0:4], group)
	binary.LittleEndian.PutUint32(buf[4:8], offset)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint32(buf[12:16], mode)
	binary.LittleEndian.PutUint32(buf[16:20], maxDelay)
	binary.LittleEndian.PutUint32(buf[20:24], cycleTime)
	return buf
}

// deleteNotifyRequest builds the payload for cmdDeleteDeviceNotify.
func deleteNotifyRequest(handle uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, handle)
	return buf
}

// resultAndData splits a command response into its 32-bit result code
// and trailing payload.
func resultAndData(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("short response: %d bytes", len(b))
	}
	return binary.LittleEndian.Uint32(b[0:4]), b[4:], nil
}

// notifySample is one variable value carried in a device notification.
type notifySample struct {
	Handle uint32
	Data   []byte
}

// parseNotification walks a cmdDeviceNotification payload: a length and
// stamp count, then per stamp a FILETIME timestamp, a sample count, and
// the samples themselves. Timestamps are discarded; delivery order is
// what matters here.
func parseNotification(b []byte) ([]notifySample, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("short notification: %d bytes", len(b))
	}
	stamps := binary.LittleEndian.Uint32(b[4:8])
	pos := 8

	var out []notifySample
	for i := uint32(0); i < stamps; i++ {
		if len(b) < pos+12 {
			return nil, fmt.Errorf("truncated stamp %d", i)
		}
		count := binary.LittleEndian.Uint32(b[pos+8 : pos+12])
		pos += 12
		for j := uint32(0); j < count; j++ {
			if len(b) < pos+8 {
				return nil, fmt.Errorf("truncated sample %d/%d", i, j)
			}
			handle := binary.LittleEndian.Uint32(b[pos : pos+4])
			size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
			pos += 8
			if len(b) < pos+size {
				return nil, fmt.Errorf("truncated sample data %d/%d", i, j)
			}
			data := make([]byte, size)
			copy(data, b[pos:pos+size])
			pos += size
			out = append(out, notifySample{Handle: handle, Data: data})
		}
	}
	return out, nil
}

// ADS result codes this package cares about.
const (
	adsErrSymbolNotFound      uint32 = 0x0710
	adsErrSymbolVersionChange uint32 = 0x0711
	adsErrDeviceTimeout       uint32 = 0x0719
	adsErrNotifyHandleInvalid uint32 = 0x0714
	adsErrTransModeNotSupp    uint32 = 0x0713
)

// AdsError is a non-zero ADS result or AMS error code.
type AdsError struct {
	Code uint32
}

func (e *AdsError) Error() string {
	return fmt.Sprintf("ADS error 0x%04X: %s", e.Code, adsErrorName(e.Code))
}

func adsErrorName(code uint32) string {
	switch code {
	case 0x0001:
		return "internal error"
	case 0x0006:
		return "target port not found"
	case 0x0007:
		return "target machine not found"
	case 0x0700:
		return "device error"
	case 0x0701:
		return "service not supported"
	case 0x0702:
		return "invalid index group"
	case 0x0703:
		return "invalid index offset"
	case 0x0705:
		return "invalid size"
	case 0x0706:
		return "invalid data"
	case 0x0708:
		return "device busy"
	case adsErrSymbolNotFound:
		return "symbol not found"
	case adsErrSymbolVersionChange:
		return "symbol version invalid"
	case adsErrTransModeNotSupp:
		return "transmission mode not supported"
	case adsErrNotifyHandleInvalid:
		return "notification handle invalid"
	case adsErrDeviceTimeout:
		return "timeout"
	case 0x0723:
		return "access denied"
	default:
		return "unknown error"
	}
}
