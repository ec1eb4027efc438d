package node

import (
	"fmt"
	"strings"
)

// OperatingMode controls whether a namespace connects to the peers it discovers.
type OperatingMode int

const (
	// ModePeer listens and broadcasts.
	ModePeer OperatingMode = iota
	// ModeLeeching listens for broadcasts but does not share.
	ModeLeeching
	// ModeOffline neither listens nor broadcasts.
	ModeOffline
	// ModeSeeding broadcasts but does not listen.
	ModeSeeding
)

// String returns the lower case name of the mode.
func (m OperatingMode) String() string {
	switch m {
	case ModePeer:
		return "peer"
	case ModeLeeching:
		return "leeching"
	case ModeOffline:
		return "offline"
	case ModeSeeding:
		return "seeding"
	default:
		return fmt.Sprintf("OperatingMode(%d)", int(m))
	}
}

// Connects reports whether namespaces in this mode connect to discovered peers.
func (m OperatingMode) Connects() bool {
	return m != ModeLeeching && m != ModeOffline
}

// ParseOperatingMode parses a mode name, ignoring case.
func ParseOperatingMode(s string) (OperatingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "peer":
		return ModePeer, nil
	case "leeching":
		return ModeLeeching, nil
	case "offline":
		return ModeOffline, nil
	case "seeding":
		return ModeSeeding, nil
	}
	return ModePeer, fmt.Errorf("unknown operating mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m OperatingMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *OperatingMode) UnmarshalText(text []byte) error {
	mode, err := ParseOperatingMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}
