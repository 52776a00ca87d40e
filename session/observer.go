package session

import "elm327-telemetry/common"

// Observer receives session events. Callbacks run on the goroutine that
// caused the event (a caller of Connect/Disconnect or a transport read
// loop) and must not block.
type Observer interface {
	OnTelemetry(t common.Telemetry)
	OnError(info common.ErrorInfo)
	OnStatusChange(status common.Status)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	Telemetry func(common.Telemetry)
	Error     func(common.ErrorInfo)
	Status    func(common.Status)
}

func (f ObserverFuncs) OnTelemetry(t common.Telemetry) {
	if f.Telemetry != nil {
		f.Telemetry(t)
	}
}

func (f ObserverFuncs) OnError(info common.ErrorInfo) {
	if f.Error != nil {
		f.Error(info)
	}
}

func (f ObserverFuncs) OnStatusChange(status common.Status) {
	if f.Status != nil {
		f.Status(status)
	}
}

type subscription struct {
	id       uint64
	observer Observer
}

// events is a batch of notifications collected under the session lock and
// delivered after it is released.
type events struct {
	observers []Observer
	statuses  []common.Status
	telemetry *common.Telemetry
	errs      []common.ErrorInfo
}

func (e *events) status(s common.Status) {
	e.statuses = append(e.statuses, s)
}

func (e *events) fail(info common.ErrorInfo) {
	e.errs = append(e.errs, info)
}

func (e *events) dispatch() {
	for _, o := range e.observers {
		for _, s := range e.statuses {
			o.OnStatusChange(s)
		}
		for _, info := range e.errs {
			o.OnError(info)
		}
		if e.telemetry != nil {
			o.OnTelemetry(*e.telemetry)
		}
	}
}
