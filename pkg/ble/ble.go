// Package ble abstracts the Bluetooth Low Energy transport used to reach
// the breath peripheral.
//
// The session layer talks to these interfaces only. Adapter implements them
// on the platform BLE stack; the Fake types implement them in memory for
// tests and for running the daemon without hardware.
package ble

import "context"

// Filter selects which peripherals qualify during device discovery.
type Filter struct {
	// Services the advertisement must carry, as 16-bit UUIDs. Empty
	// matches any device.
	Services []uint16
}

// Provider discovers peripherals.
type Provider interface {
	// RequestDevice scans until a device matching f is found, the context
	// is done, or the platform reports a scan failure.
	RequestDevice(ctx context.Context, f Filter) (Device, error)
}

// Device is a discovered peripheral.
type Device interface {
	Name() string
	// Connectable reports whether the device exposes a transport handle
	// that can be connected.
	Connectable() bool
	Connect(ctx context.Context) (Connection, error)
}

// Connection is an established GATT link.
type Connection interface {
	// Connected reports the current link state without blocking.
	Connected() bool
	Service(ctx context.Context, id uint16) (Service, error)
	Disconnect(ctx context.Context) error
}

// Service is a discovered GATT service.
type Service interface {
	Characteristic(ctx context.Context, id uint16) (Characteristic, error)
}

// Characteristic is an addressable data point within a service.
type Characteristic interface {
	// Subscribe registers fn for value notifications. fn may be invoked
	// from a transport goroutine.
	Subscribe(fn func(p []byte)) error
	Write(ctx context.Context, p []byte) error
}
