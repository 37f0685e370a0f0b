package domain

import "time"

// Generation identifies one pairing attempt. Every callback created for a
// session carries the generation it belongs to.
type Generation uint64

type SessionPhase int

const (
	PhaseIdle SessionPhase = iota
	PhaseWaitingForConnection
	PhaseConnected
)

func (p SessionPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWaitingForConnection:
		return "waiting_for_connection"
	case PhaseConnected:
		return "connected"
	default:
		return "unknown"
	}
}

func (p SessionPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultDeviceResolution is assumed when a sender does not report one.
var DefaultDeviceResolution = Resolution{Width: 1080, Height: 1920}

type DeviceIdentity struct {
	Name       string     `json:"name"`
	Address    string     `json:"address"`
	Resolution Resolution `json:"resolution"`
}

// SessionState is one of Idle, WaitingForConnection or Connected.
type SessionState interface {
	Phase() SessionPhase
	sessionState()
}

type Idle struct{}

type WaitingForConnection struct {
	Info       ConnectionInfo
	Generation Generation
	// Claimed is set once a signaling connection authenticated with Info's token.
	Claimed bool
}

type Connected struct {
	Info       ConnectionInfo
	Generation Generation
	Device     DeviceIdentity
	StartedAt  time.Time
}

func (Idle) Phase() SessionPhase                 { return PhaseIdle }
func (WaitingForConnection) Phase() SessionPhase { return PhaseWaitingForConnection }
func (Connected) Phase() SessionPhase            { return PhaseConnected }

func (Idle) sessionState()                 {}
func (WaitingForConnection) sessionState() {}
func (Connected) sessionState()            {}

// SessionSnapshot is the read-only view handed to the shell.
type SessionSnapshot struct {
	Phase      SessionPhase    `json:"state"`
	Generation Generation      `json:"generation"`
	Device     *DeviceIdentity `json:"device,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	Connection *ConnectionInfo `json:"connection,omitempty"`
	Status     string          `json:"status"`
}

type SessionEventType string

const (
	EventPairingStarted    SessionEventType = "pairing_started"
	EventDeviceConnected   SessionEventType = "device_connected"
	EventSessionEnded      SessionEventType = "session_ended"
	EventNegotiationFailed SessionEventType = "negotiation_failed"
)

type SessionEvent struct {
	Type       SessionEventType `json:"type"`
	Generation Generation       `json:"generation"`
	Device     *DeviceIdentity  `json:"device,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}
