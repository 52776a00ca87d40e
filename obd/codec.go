package obd

import (
	"encoding/hex"
	"strings"
	"unicode"

	"elm327-telemetry/common"
)

// headerLen is the number of characters discarded ahead of the data bytes:
// the mode echo and the PID echo ("41 0C").
const headerLen = 4

// adapterReplies are ELM327 status replies that carry no data.
var adapterReplies = []string{
	"NODATA",
	"UNABLETOCONNECT",
	"CANERROR",
	"BUSERROR",
	"BUFFERFULL",
	"STOPPED",
	"ERROR",
	"?",
}

// Reading is the result of decoding a single adapter response.
type Reading struct {
	PID          PID
	Metric       string
	Value        float64
	Unit         string
	TroubleCodes []common.TroubleCode
	Raw          string
}

// BuildCommand frames pid for the wire. Framing is the same for every transport.
func BuildCommand(pid PID) string {
	return string(pid) + "\r"
}

// Decode turns a raw adapter response to pid into a Reading.
func Decode(pid PID, response string) (Reading, error) {
	info, ok := catalog[pid]
	if !ok {
		return Reading{}, &DecodeError{PID: pid, Raw: response, Err: ErrUnknownPID}
	}

	switch pid {
	case ReadDTC:
		codes, err := ParseTroubleCodes(response)
		if err != nil {
			return Reading{}, err
		}
		return Reading{PID: pid, Metric: info.metric, Value: float64(len(codes)), TroubleCodes: codes, Raw: response}, nil
	case ClearDTC:
		clean := cleanResponse(response)
		if err := checkAdapterReply(pid, response, clean); err != nil {
			return Reading{}, err
		}
		if !strings.HasPrefix(clean, "44") {
			return Reading{}, decodeErr(pid, response, ErrMalformed, "expected 44 acknowledgement")
		}
		return Reading{PID: pid, Metric: info.metric, TroubleCodes: []common.TroubleCode{}, Raw: response}, nil
	}

	clean := cleanResponse(response)
	if err := checkAdapterReply(pid, response, clean); err != nil {
		return Reading{}, err
	}
	if len(clean) < headerLen {
		return Reading{}, decodeErr(pid, response, ErrTruncated, "no header")
	}

	payload := clean[headerLen:]
	if !isHex(payload) {
		return Reading{}, decodeErr(pid, response, ErrMalformed, "non-hex payload %q", payload)
	}
	need := info.size * 2
	if len(payload) < need {
		return Reading{}, decodeErr(pid, response, ErrTruncated, "expected %d bytes, got %d", info.size, len(payload)/2)
	}

	data, err := hex.DecodeString(payload[:need])
	if err != nil {
		return Reading{}, decodeErr(pid, response, ErrMalformed, "%v", err)
	}

	return Reading{
		PID:    pid,
		Metric: info.metric,
		Value:  info.decode(data),
		Unit:   info.unit,
		Raw:    response,
	}, nil
}

// InferPID guesses which request a response answers from its header.
func InferPID(response string) (PID, bool) {
	clean := cleanResponse(response)
	switch {
	case strings.HasPrefix(clean, "43"):
		return ReadDTC, true
	case strings.HasPrefix(clean, "44"):
		return ClearDTC, true
	case len(clean) >= headerLen && strings.HasPrefix(clean, "41"):
		pid := PID("01" + clean[2:headerLen])
		return pid, pid.Known()
	}
	return "", false
}

// Apply builds the snapshot that follows prev once r is taken into account.
// prev is not modified.
func (r Reading) Apply(prev common.Telemetry) common.Telemetry {
	next := prev.Clone()
	switch r.PID {
	case EngineRPM:
		next.RPM = r.Value
	case VehicleSpeed:
		next.SpeedKmh = r.Value
	case CoolantTemp:
		next.EngineTempC = int(r.Value)
	case ThrottlePosition:
		next.ThrottlePct = r.Value
	case EngineLoad:
		next.EngineLoadPct = r.Value
	case FuelLevel:
		next.FuelLevelPct = r.Value
	case ReadDTC, ClearDTC:
		next.TroubleCodes = append([]common.TroubleCode{}, r.TroubleCodes...)
	}
	return next
}

// cleanResponse strips whitespace, control characters, the prompt and the
// SEARCHING... banner the ELM327 prints while it detects the bus protocol.
func cleanResponse(response string) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '>' {
			return -1
		}
		return r
	}, response)
	clean = strings.TrimPrefix(clean, "SEARCHING...")
	return strings.ToUpper(clean)
}

func checkAdapterReply(pid PID, raw, clean string) error {
	if clean == "" {
		return decodeErr(pid, raw, ErrTruncated, "empty response")
	}
	for _, reply := range adapterReplies {
		if strings.HasPrefix(clean, reply) || strings.HasSuffix(clean, reply) {
			return decodeErr(pid, raw, ErrMalformed, "adapter replied %s", reply)
		}
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
