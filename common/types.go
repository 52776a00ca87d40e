package common

import (
	"fmt"
	"time"
)

// Status is the connection health of a session.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText lets Status appear as its name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TroubleCode is a normalized diagnostic trouble code, e.g. "P0133".
type TroubleCode string

// Category returns the system letter: P, C, B or U.
func (c TroubleCode) Category() byte {
	if c == "" {
		return 0
	}
	return c[0]
}

// Telemetry is an immutable snapshot of decoded vehicle readings.
// A new snapshot is built for every decoded response; callers must not
// mutate TroubleCodes.
type Telemetry struct {
	RPM           float64       `json:"rpm"`
	SpeedKmh      float64       `json:"speed"`
	EngineTempC   int           `json:"engineTemp"`
	ThrottlePct   float64       `json:"throttle"`
	EngineLoadPct float64       `json:"engineLoad"`
	FuelLevelPct  float64       `json:"fuelLevel"`
	TroubleCodes  []TroubleCode `json:"dtc"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy of t.
func (t Telemetry) Clone() Telemetry {
	out := t
	if t.TroubleCodes != nil {
		out.TroubleCodes = append([]TroubleCode(nil), t.TroubleCodes...)
	}
	return out
}

// ErrorSource says which stage produced an ErrorInfo.
type ErrorSource string

const (
	SourceConnect   ErrorSource = "connect"
	SourceCommand   ErrorSource = "command"
	SourceDecode    ErrorSource = "decode"
	SourceTransport ErrorSource = "transport"
)

// ErrorInfo is what observers receive when something goes wrong.
type ErrorInfo struct {
	Source  ErrorSource `json:"source"`
	Message string      `json:"message"`
	Err     error       `json:"-"`
	At      time.Time   `json:"at"`
}

// NewErrorInfo stamps err with the current time.
func NewErrorInfo(source ErrorSource, err error) ErrorInfo {
	return ErrorInfo{
		Source:  source,
		Message: err.Error(),
		Err:     err,
		At:      time.Now(),
	}
}

func (e ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Source, e.Message)
}

func (e ErrorInfo) Unwrap() error {
	return e.Err
}

// CommandMessage is an inbound request to query the adapter.
type CommandMessage struct {
	Command       string `json:"command"`        // PID key ("ENGINE_RPM") or raw PID ("010C")
	CorrelationID string `json:"correlation_id"` // echoed back in the response
	Description   string `json:"description"`
	VIN           string `json:"vin"`
}

// CommandResponse answers a CommandMessage.
type CommandResponse struct {
	CorrelationID string      `json:"correlation_id"`
	Status        string      `json:"status"` // "success", "error"
	Result        interface{} `json:"result"`
	Error         string      `json:"error,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}
