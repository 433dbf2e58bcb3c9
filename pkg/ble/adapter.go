package ble

import (
	"context"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// Adapter implements Provider on the platform BLE stack.
type Adapter struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	enabled bool
	links   map[string]bool // address -> link state, fed by the connect handler
}

var _ Provider = (*Adapter)(nil)

// NewAdapter returns a Provider backed by the default platform adapter.
func NewAdapter() *Adapter {
	return &Adapter{
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]bool),
	}
}

func (a *Adapter) enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return pkgerrors.Wrap(err, "failed to enable BLE adapter")
	}
	a.adapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		addr := dev.Address.String()
		a.setLink(addr, connected)
		logrus.WithFields(logrus.Fields{
			"address":   addr,
			"connected": connected,
		}).Debug("BLE link state changed")
	})
	a.enabled = true
	return nil
}

func (a *Adapter) setLink(addr string, up bool) {
	a.mu.Lock()
	a.links[addr] = up
	a.mu.Unlock()
}

func (a *Adapter) linkUp(addr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.links[addr]
}

// RequestDevice scans for the first advertisement carrying every service in
// f and returns it as a connectable Device.
func (a *Adapter) RequestDevice(ctx context.Context, f Filter) (Device, error) {
	if err := a.enable(); err != nil {
		return nil, err
	}

	uuids := make([]bluetooth.UUID, 0, len(f.Services))
	for _, id := range f.Services {
		uuids = append(uuids, bluetooth.New16BitUUID(id))
	}

	logrus.WithField("services", f.Services).Debug("scanning for peripheral")

	found := make(chan bluetooth.ScanResult, 1)
	scanDone := make(chan error, 1)
	go func() {
		scanDone <- a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			for _, u := range uuids {
				if !result.AdvertisementPayload.HasServiceUUID(u) {
					return
				}
			}
			select {
			case found <- result:
				_ = adapter.StopScan()
			default:
			}
		})
	}()

	select {
	case r := <-found:
		logrus.WithFields(logrus.Fields{
			"address": r.Address.String(),
			"name":    r.LocalName(),
			"rssi":    r.RSSI,
		}).Info("peripheral selected")
		return &remoteDevice{adapter: a, addr: r.Address, name: r.LocalName()}, nil
	case err := <-scanDone:
		// The scan may have ended right after delivering a result.
		select {
		case r := <-found:
			return &remoteDevice{adapter: a, addr: r.Address, name: r.LocalName()}, nil
		default:
		}
		if err == nil {
			err = pkgerrors.New("scan ended without a matching device")
		}
		return nil, pkgerrors.Wrap(err, "scan failed")
	case <-ctx.Done():
		_ = a.adapter.StopScan()
		return nil, ctx.Err()
	}
}

type remoteDevice struct {
	adapter *Adapter
	addr    bluetooth.Address
	name    string
}

func (d *remoteDevice) Name() string { return d.name }

// Connectable is always true for scan results on this stack: every
// advertisement delivered by the adapter carries a connectable address.
func (d *remoteDevice) Connectable() bool { return true }

func (d *remoteDevice) Connect(ctx context.Context) (Connection, error) {
	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}
	dev, err := d.adapter.adapter.Connect(d.addr, params)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to connect %s", d.addr)
	}
	addr := d.addr.String()
	// The connect handler may fire after Connect returns; seed the link
	// state so Connected is true immediately.
	d.adapter.setLink(addr, true)
	return &remoteConnection{adapter: d.adapter, dev: dev, addr: addr}, nil
}

type remoteConnection struct {
	adapter *Adapter
	dev     bluetooth.Device
	addr    string
}

func (c *remoteConnection) Connected() bool { return c.adapter.linkUp(c.addr) }

func (c *remoteConnection) Service(_ context.Context, id uint16) (Service, error) {
	svcs, err := c.dev.DiscoverServices([]bluetooth.UUID{bluetooth.New16BitUUID(id)})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to discover service %#04x", id)
	}
	if len(svcs) == 0 {
		return nil, pkgerrors.Errorf("service %#04x not found", id)
	}
	return &remoteService{svc: svcs[0]}, nil
}

func (c *remoteConnection) Disconnect(_ context.Context) error {
	if err := c.dev.Disconnect(); err != nil {
		return pkgerrors.Wrapf(err, "failed to disconnect %s", c.addr)
	}
	return nil
}

type remoteService struct {
	svc bluetooth.DeviceService
}

func (s *remoteService) Characteristic(_ context.Context, id uint16) (Characteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics([]bluetooth.UUID{bluetooth.New16BitUUID(id)})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to discover characteristic %#04x", id)
	}
	if len(chars) == 0 {
		return nil, pkgerrors.Errorf("characteristic %#04x not found", id)
	}
	return &remoteCharacteristic{char: chars[0]}, nil
}

type remoteCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *remoteCharacteristic) Subscribe(fn func(p []byte)) error {
	if err := c.char.EnableNotifications(fn); err != nil {
		return pkgerrors.Wrap(err, "failed to enable notifications")
	}
	return nil
}

func (c *remoteCharacteristic) Write(_ context.Context, p []byte) error {
	if _, err := c.char.WriteWithoutResponse(p); err != nil {
		return pkgerrors.Wrap(err, "write failed")
	}
	return nil
}
