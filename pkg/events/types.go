package events

import "encoding/json"

// Event name constants.
const (
	ReadyStateChange       = "readyStateChange"
	Breath                 = "breath"
	CalibrationStateChange = "calibrationStateChange"
	SessionError           = "error"
	CalibrationUpcoming    = "calibrationUpcoming"
	CalibrationScheduled   = "calibrationScheduled"
)

// Event is a generic event from the daemon, as delivered over SSE, the
// WebSocket stream, and MQTT.
type Event struct {
	Name string          // event name
	Data json.RawMessage // raw JSON payload
}

// ReadyStateChangeEvent is the typed payload for readyStateChange.
type ReadyStateChangeEvent struct {
	State  string `json:"state"`
	Device string `json:"device,omitempty"`
	Ts     int64  `json:"ts"`
}

// BreathEvent is the typed payload for breath.
type BreathEvent struct {
	Value float64 `json:"value"`
	Ts    int64   `json:"ts"`
}

// CalibrationStateChangeEvent is the typed payload for
// calibrationStateChange. Offset carries the freshly installed neutral
// offset when Calibrating turns false.
type CalibrationStateChangeEvent struct {
	Calibrating bool  `json:"calibrating"`
	Offset      int   `json:"offset"`
	Ts          int64 `json:"ts"`
}

// SessionErrorEvent is the typed payload for error.
type SessionErrorEvent struct {
	Message string `json:"message"`
	Ts      int64  `json:"ts"`
}

// CalibrationUpcomingEvent is the typed payload for calibrationUpcoming,
// published shortly before a scheduled calibration runs.
type CalibrationUpcomingEvent struct {
	RunAt string `json:"runAt"` // RFC 3339
	Ts    int64  `json:"ts"`
}

// CalibrationScheduledEvent is the typed payload for calibrationScheduled,
// published when the automatic-calibration schedule changes.
type CalibrationScheduledEvent struct {
	Spec    string `json:"spec,omitempty"`
	NextRun string `json:"nextRun,omitempty"` // RFC 3339; empty when disabled
	Ts      int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic
// type T. It ignores the event name and simply unmarshals Data into T. If
// Data is empty, it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.BreathEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.Value)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
