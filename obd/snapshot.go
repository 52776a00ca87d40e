package obd

import (
	"encoding/json"
	"math"
	"time"

	"elm327-telemetry/common"
)

// wireSnapshot mirrors the JSON frames sent by the adapter's companion
// server over WiFi. Every field is optional.
type wireSnapshot struct {
	RPM        float64  `json:"rpm"`
	Speed      float64  `json:"speed"`
	EngineTemp float64  `json:"engineTemp"`
	Throttle   float64  `json:"throttle"`
	EngineLoad float64  `json:"engineLoad"`
	FuelLevel  float64  `json:"fuelLevel"`
	DTC        []string `json:"dtc"`
}

// DecodeSnapshot parses one socket frame into a full snapshot.
//
// Missing fields are zero and a missing dtc list is empty, so a defaulted
// zero cannot be told apart from a real zero reading. Invalid trouble codes
// in the list are skipped. Only a frame that is not a JSON object, null included, fails.
func DecodeSnapshot(frame []byte) (common.Telemetry, error) {
	var w *wireSnapshot
	if err := json.Unmarshal(frame, &w); err != nil {
		return common.Telemetry{}, &DecodeError{PID: "json", Raw: string(frame), Err: ErrMalformed, Detail: err.Error()}
	}
	if w == nil {
		return common.Telemetry{}, &DecodeError{PID: "json", Raw: string(frame), Err: ErrMalformed, Detail: "not a JSON object"}
	}

	codes := make([]common.TroubleCode, 0, len(w.DTC))
	for _, raw := range w.DTC {
		code, err := NormalizeTroubleCode(raw)
		if err != nil {
			continue
		}
		codes = append(codes, code)
	}

	return common.Telemetry{
		RPM:           w.RPM,
		SpeedKmh:      w.Speed,
		EngineTempC:   int(math.Round(w.EngineTemp)),
		ThrottlePct:   w.Throttle,
		EngineLoadPct: w.EngineLoad,
		FuelLevelPct:  w.FuelLevel,
		TroubleCodes:  codes,
		UpdatedAt:     time.Now(),
	}, nil
}
