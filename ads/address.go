package ads

import (
	"fmt"
	"strconv"
	"strings"
)

// AmsNetId is the 6-byte AMS network identifier of an ADS device.
// Textual form: "x.x.x.x.x.x" with each part 0-255.
type AmsNetId [6]byte

// ParseAmsNetId parses an AMS Net ID string (e.g. "192.168.1.100.1.1").
func ParseAmsNetId(s string) (AmsNetId, error) {
	var netId AmsNetId

	if s == "" {
		return netId, fmt.Errorf("empty AMS Net ID")
	}

	parts := strings.Split(s, ".")
	if len(parts) != 6 {
		return netId, fmt.Errorf("invalid AMS Net ID %q: want 6 parts, got %d", s, len(parts))
	}

	for i, part := range parts {
		val, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return netId, fmt.Errorf("invalid AMS Net ID part %q: %w", part, err)
		}
		netId[i] = byte(val)
	}

	return netId, nil
}

// String returns the dotted form of the Net ID.
func (n AmsNetId) String() string {
	return fmt.Sprintf("%d.%d.%d.%d.%d.%d", n[0], n[1], n[2], n[3], n[4], n[5])
}

// IsZero reports whether the Net ID is all zeros.
func (n AmsNetId) IsZero() bool {
	return n == AmsNetId{}
}

// AmsNetIdFromIP derives a Net ID from an IPv4 address using the common
// TwinCAT convention IP.1.1. A ":port" suffix is ignored.
func AmsNetIdFromIP(ip string) (AmsNetId, error) {
	var netId AmsNetId

	if idx := strings.Index(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}

	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return netId, fmt.Errorf("invalid IPv4 address: %q", ip)
	}

	for i, part := range parts {
		val, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return netId, fmt.Errorf("invalid IPv4 address part %q: %w", part, err)
		}
		netId[i] = byte(val)
	}

	netId[4] = 1
	netId[5] = 1

	return netId, nil
}

// DefaultAmsPort is the AMS port used when none is configured.
const DefaultAmsPort uint16 = 48898

// DeviceAddress identifies exactly one ADS endpoint: an AMS Net ID plus
// AMS port, and optionally the IP or hostname to dial when it cannot be
// derived from the Net ID.
type DeviceAddress struct {
	NetId AmsNetId
	Port  uint16
	Host  string
}

// String returns "netid:port" for logging.
func (a DeviceAddress) String() string {
	return fmt.Sprintf("%s:%d", a.NetId, a.Port)
}

// DialHost returns the host to open the TCP session to: the configured
// Host if set, otherwise the first four Net ID bytes read as an IPv4
// address (the usual TwinCAT convention).
func (a DeviceAddress) DialHost() string {
	if a.Host != "" {
		return a.Host
	}
	return fmt.Sprintf("%d.%d.%d.%d", a.NetId[0], a.NetId[1], a.NetId[2], a.NetId[3])
}
