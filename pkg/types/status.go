package types

// Status is the session snapshot served by the daemon.
// This struct is shared between the daemon and client packages.
type Status struct {
	State       string  `json:"state"`
	DeviceName  string  `json:"deviceName,omitempty"`
	Calibrating bool    `json:"calibrating"`
	Offset      int     `json:"offset"`
	DeadZone    float64 `json:"deadZone"`
	BreathValue float64 `json:"breathValue"`
	HasValue    bool    `json:"hasValue"`
	// ReadingRate is the observed sensor reading rate in readings per
	// second, averaged over the recent sample window.
	ReadingRate float64 `json:"readingRate"`
}

// ScheduleStatus describes the automatic-calibration schedule.
type ScheduleStatus struct {
	Spec    string `json:"spec,omitempty"`
	Active  bool   `json:"active"`
	NextRun string `json:"nextRun,omitempty"` // RFC 3339; empty when inactive
}
