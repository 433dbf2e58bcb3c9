package ble

import (
	"context"
	"sync"

	pkgerrors "github.com/pkg/errors"
)

// FakeProvider is an in-memory Provider serving a single FakeDevice. It
// backs the session tests and `spiro daemon --fake`.
type FakeProvider struct {
	mu       sync.Mutex
	dev      *FakeDevice
	nextErr  error
	requests int
}

var _ Provider = (*FakeProvider)(nil)

// NewFakeProvider returns a provider that hands out dev.
func NewFakeProvider(dev *FakeDevice) *FakeProvider {
	return &FakeProvider{dev: dev}
}

// FailNext makes the next RequestDevice call fail with err.
func (p *FakeProvider) FailNext(err error) {
	p.mu.Lock()
	p.nextErr = err
	p.mu.Unlock()
}

// Requests reports how many times RequestDevice has been called.
func (p *FakeProvider) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func (p *FakeProvider) RequestDevice(ctx context.Context, _ Filter) (Device, error) {
	p.mu.Lock()
	p.requests++
	err := p.nextErr
	p.nextErr = nil
	dev := p.dev
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, pkgerrors.New("no fake device installed")
	}
	return dev, nil
}

// FakeDevice is a scriptable in-memory peripheral. Failure injection and
// gates allow tests to hit every sub-step of connection establishment.
type FakeDevice struct {
	mu          sync.Mutex
	name        string
	connectable bool
	conn        *FakeConnection
	failures    int
	failErr     error
	gate        chan struct{}
	connects    int
}

var _ Device = (*FakeDevice)(nil)

// NewFakeDevice returns a device whose connection exposes one service with
// one subscribable, writable characteristic.
func NewFakeDevice(name string, serviceID, characteristicID uint16) *FakeDevice {
	char := &FakeCharacteristic{writeCh: make(chan []byte, 16)}
	return &FakeDevice{
		name:        name,
		connectable: true,
		conn: &FakeConnection{
			svc: &FakeService{id: serviceID, charID: characteristicID, char: char},
		},
	}
}

// SetConnectable controls what Connectable reports.
func (d *FakeDevice) SetConnectable(v bool) {
	d.mu.Lock()
	d.connectable = v
	d.mu.Unlock()
}

// FailConnects makes the next n Connect calls fail with err.
func (d *FakeDevice) FailConnects(n int, err error) {
	d.mu.Lock()
	d.failures = n
	d.failErr = err
	d.mu.Unlock()
}

// GateConnect makes Connect block until the returned release func is called
// or the caller's context is done.
func (d *FakeDevice) GateConnect() (release func()) {
	d.mu.Lock()
	gate := make(chan struct{})
	d.gate = gate
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.gate = nil
			d.mu.Unlock()
			close(gate)
		})
	}
}

// Connects reports how many Connect attempts were made.
func (d *FakeDevice) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// Connection exposes the device's connection for scripting.
func (d *FakeDevice) Connection() *FakeConnection { return d.conn }

// Service exposes the device's service for scripting.
func (d *FakeDevice) Service() *FakeService { return d.conn.svc }

// Characteristic exposes the device's characteristic for scripting.
func (d *FakeDevice) Characteristic() *FakeCharacteristic { return d.conn.svc.char }

func (d *FakeDevice) Name() string { return d.name }

func (d *FakeDevice) Connectable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectable
}

func (d *FakeDevice) Connect(ctx context.Context) (Connection, error) {
	d.mu.Lock()
	d.connects++
	gate := d.gate
	var err error
	if d.failures > 0 {
		d.failures--
		err = d.failErr
	}
	conn := d.conn
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	conn.setConnected(true)
	return conn, nil
}

// FakeConnection is the link to a FakeDevice.
type FakeConnection struct {
	mu          sync.Mutex
	connected   bool
	svc         *FakeService
	failures    int
	failErr     error
	gate        chan struct{}
	disconnects int
	serviceCall int
}

var _ Connection = (*FakeConnection)(nil)

// SetConnected overrides the reported link state, simulating link loss
// without an explicit disconnect.
func (c *FakeConnection) SetConnected(v bool) { c.setConnected(v) }

func (c *FakeConnection) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// FailServices makes the next n Service calls fail with err.
func (c *FakeConnection) FailServices(n int, err error) {
	c.mu.Lock()
	c.failures = n
	c.failErr = err
	c.mu.Unlock()
}

// GateService makes Service block until released or the context is done.
func (c *FakeConnection) GateService() (release func()) {
	c.mu.Lock()
	gate := make(chan struct{})
	c.gate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.gate = nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

// Disconnects reports how many times Disconnect was called.
func (c *FakeConnection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// ServiceCalls reports how many times Service was entered.
func (c *FakeConnection) ServiceCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serviceCall
}

func (c *FakeConnection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *FakeConnection) Service(ctx context.Context, id uint16) (Service, error) {
	c.mu.Lock()
	c.serviceCall++
	gate := c.gate
	var err error
	if c.failures > 0 {
		c.failures--
		err = c.failErr
	}
	svc := c.svc
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if id != svc.id {
		return nil, pkgerrors.Errorf("service %#04x not found", id)
	}
	return svc, nil
}

func (c *FakeConnection) Disconnect(_ context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.disconnects++
	c.mu.Unlock()
	return nil
}

// FakeService exposes a single characteristic.
type FakeService struct {
	mu       sync.Mutex
	id       uint16
	charID   uint16
	char     *FakeCharacteristic
	failures int
	failErr  error
	gate     chan struct{}
	calls    int
}

// CharacteristicCalls reports how many times Characteristic was entered.
func (s *FakeService) CharacteristicCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ Service = (*FakeService)(nil)

// FailCharacteristics makes the next n Characteristic calls fail with err.
func (s *FakeService) FailCharacteristics(n int, err error) {
	s.mu.Lock()
	s.failures = n
	s.failErr = err
	s.mu.Unlock()
}

// GateCharacteristic makes Characteristic block until released or the
// context is done.
func (s *FakeService) GateCharacteristic() (release func()) {
	s.mu.Lock()
	gate := make(chan struct{})
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

func (s *FakeService) Characteristic(ctx context.Context, id uint16) (Characteristic, error) {
	s.mu.Lock()
	s.calls++
	gate := s.gate
	var err error
	if s.failures > 0 {
		s.failures--
		err = s.failErr
	}
	char := s.char
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if id != s.charID {
		return nil, pkgerrors.Errorf("characteristic %#04x not found", id)
	}
	return char, nil
}

// FakeCharacteristic records writes and lets the test (or a responder) push
// notification frames to the subscriber.
type FakeCharacteristic struct {
	mu        sync.Mutex
	handler   func([]byte)
	failures  int
	failErr   error
	gate      chan struct{}
	subs      int
	writes    [][]byte
	writeErr  error
	writeCh   chan []byte
	responder func(p []byte) []byte
}

// SubscribeCalls reports how many times Subscribe was entered.
func (c *FakeCharacteristic) SubscribeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs
}

var _ Characteristic = (*FakeCharacteristic)(nil)

// FailSubscribes makes the next n Subscribe calls fail with err.
func (c *FakeCharacteristic) FailSubscribes(n int, err error) {
	c.mu.Lock()
	c.failures = n
	c.failErr = err
	c.mu.Unlock()
}

// GateSubscribe makes Subscribe block until the returned release func is
// called. Callers must release the gate to unblock the pending Subscribe.
func (c *FakeCharacteristic) GateSubscribe() (release func()) {
	c.mu.Lock()
	gate := make(chan struct{})
	c.gate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.gate = nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

// FailWrites makes subsequent Write calls fail with err (nil clears).
func (c *FakeCharacteristic) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// RespondWith installs a responder invoked for every write; a non-nil
// return value is pushed back as a notification. This is how the fake
// peripheral answers breath requests.
func (c *FakeCharacteristic) RespondWith(fn func(p []byte) []byte) {
	c.mu.Lock()
	c.responder = fn
	c.mu.Unlock()
}

// Push delivers a notification frame to the current subscriber.
func (c *FakeCharacteristic) Push(p []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(p)
	}
}

// Writes returns the payloads written so far.
func (c *FakeCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// WriteSignal receives one element per write, for tests that need to wait
// until the session has polled.
func (c *FakeCharacteristic) WriteSignal() <-chan []byte { return c.writeCh }

func (c *FakeCharacteristic) Subscribe(fn func(p []byte)) error {
	c.mu.Lock()
	c.subs++
	gate := c.gate
	var err error
	if c.failures > 0 {
		c.failures--
		err = c.failErr
	}
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
	return nil
}

func (c *FakeCharacteristic) Write(_ context.Context, p []byte) error {
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	c.writes = append(c.writes, buf)
	responder := c.responder
	c.mu.Unlock()

	select {
	case c.writeCh <- buf:
	default:
	}
	if responder != nil {
		if reply := responder(buf); reply != nil {
			c.Push(reply)
		}
	}
	return nil
}
