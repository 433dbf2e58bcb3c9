package session

import "errors"

var (
	// ErrNoDevice is returned by commands that need a selected peripheral
	// when none has been requested yet.
	ErrNoDevice = errors.New("no device selected")

	// ErrDisconnectRequested is the cancellation cause installed by
	// Disconnect. It rejects a pending Connect and surfaces as the cause
	// of errors reported by work aborted mid-flight.
	ErrDisconnectRequested = errors.New("disconnect requested")

	// ErrCalibrationAborted rejects a pending calibration cut short by a
	// disconnect, a new device request, or a superseding calibration.
	ErrCalibrationAborted = errors.New("calibration aborted")
)
