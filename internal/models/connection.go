package models

import (
	"fmt"
	"time"
)

// ConnectionState represents the current connection state
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// MarshalText lets states appear by name in JSON and YAML output
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText
func (s *ConnectionState) UnmarshalText(text []byte) error {
	for _, st := range []ConnectionState{Disconnected, Connecting, Connected, Failed} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// Transition is a single recorded state change of a named connection
type Transition struct {
	ID             int             `json:"id"`
	ConnectionName string          `json:"connection"`
	Host           string          `json:"host"`
	State          ConnectionState `json:"state"`
	Message        string          `json:"message"`
	At             time.Time       `json:"at"`
}
