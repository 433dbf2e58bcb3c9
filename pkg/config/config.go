package config

import "time"

type Config interface {
	DeadZone() float64
	TickInterval() time.Duration
	RetryInterval() time.Duration
	CalibrationSamples() int
	AllowNonRootAccess() bool
	Schedule() string
	MQTTBroker() string
	MQTTTopic() string

	SetDeadZone(float64)
	SetSchedule(string)
	SetAllowNonRootAccess(bool)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
