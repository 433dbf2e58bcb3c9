// Package session manages the lifecycle of one breath-peripheral session:
// device selection, connection establishment with automatic reconnect,
// continuous polling of the sensor value, and neutral-offset calibration.
//
// A Session is safe for concurrent use. One mutex guards all state; it is
// released around every blocking transport call, and results are committed
// only after re-validating that the connect cycle they belong to is still
// current. Event callbacks run outside the lock, in registration order.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pneumalabs/spiro/pkg/ble"
	"github.com/pneumalabs/spiro/pkg/breath"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultTickInterval       = 100 * time.Millisecond
	DefaultRetryInterval      = 2 * time.Second
	DefaultInitTimeout        = 10 * time.Second
	DefaultDisconnectTimeout  = 2 * time.Second
	DefaultWriteTimeout       = time.Second
	DefaultCalibrationSamples = 50
)

// Options configure a Session. Zero fields fall back to the defaults; an
// explicit zero dead zone can still be set through SetDeadZone after New.
type Options struct {
	// Provider discovers peripherals. Required.
	Provider ble.Provider

	// ServiceID and CharacteristicID identify the peripheral's UART-style
	// service. They default to the breath device constants.
	ServiceID        uint16
	CharacteristicID uint16

	// TickInterval is the delay between the end of one poll cycle and the
	// start of the next.
	TickInterval time.Duration
	// RetryInterval is the minimum delay between connect attempts.
	RetryInterval time.Duration
	// InitTimeout bounds one composite connect attempt.
	InitTimeout time.Duration
	// DisconnectTimeout bounds the transport-level disconnect.
	DisconnectTimeout time.Duration
	// WriteTimeout bounds one breath-request write.
	WriteTimeout time.Duration

	// DeadZone is the initial dead-zone fraction, in [0, 1).
	DeadZone float64
	// CalibrationSamples is the calibration window size.
	CalibrationSamples int
}

// Session is the aggregate root owning the connection state machine, the
// calibration engine, and the event surface.
type Session struct {
	opts Options

	mu            sync.Mutex
	state         ReadyState
	device        ble.Device
	conn          ble.Connection
	char          ble.Characteristic
	lastAttempt   time.Time
	deadZone      float64
	offset        int
	breathValue   float64
	hasValue      bool
	disconnecting bool

	// Connect cycle. The epoch ties in-flight work to the cycle that
	// started it; cancel carries ErrDisconnectRequested on Disconnect.
	epoch     uint64
	cycleCtx  context.Context
	cancel    context.CancelCauseFunc
	connectCh chan error

	// Notification routing. Only the handler whose sequence number matches
	// activeSub may deliver frames.
	subSeq    uint64
	activeSub uint64

	cal calibration

	ticker *ticker

	stateListeners  listeners[ReadyState]
	breathListeners listeners[float64]
	calListeners    listeners[bool]
	errListeners    listeners[error]
}

// New returns a Session in NoDevice state. It panics if opts.Provider is
// nil or opts.DeadZone is outside [0, 1).
func New(opts Options) *Session {
	if opts.Provider == nil {
		panic("session: provider cannot be nil")
	}
	if opts.DeadZone < 0 || opts.DeadZone >= 1 {
		panic("session: dead zone must be in [0, 1)")
	}
	if opts.ServiceID == 0 {
		opts.ServiceID = breath.ServiceUUID
	}
	if opts.CharacteristicID == 0 {
		opts.CharacteristicID = breath.CharacteristicUUID
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.DeadZone == 0 {
		opts.DeadZone = breath.DefaultDeadZone
	}
	if opts.CalibrationSamples <= 0 {
		opts.CalibrationSamples = DefaultCalibrationSamples
	}

	s := &Session{
		opts:     opts,
		state:    NoDevice,
		deadZone: opts.DeadZone,
	}
	s.ticker = newTicker(opts.TickInterval, s.runTick)
	return s
}

// ReadyState returns the current connection state.
func (s *Session) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeadZone returns the current dead-zone fraction.
func (s *Session) DeadZone() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadZone
}

// SetDeadZone sets the dead-zone fraction. It applies from the next
// reading onward.
func (s *Session) SetDeadZone(f float64) error {
	if f < 0 || f >= 1 {
		return pkgerrors.Errorf("dead zone %v out of range [0, 1)", f)
	}
	s.mu.Lock()
	s.deadZone = f
	s.mu.Unlock()
	return nil
}

// BreathValue returns the last normalized reading, if one has been
// observed since the last state change.
func (s *Session) BreathValue() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breathValue, s.hasValue
}

// Offset returns the calibrated neutral offset on the centered scale.
func (s *Session) Offset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// DeviceName returns the selected peripheral's advertised name, or "".
func (s *Session) DeviceName() string {
	s.mu.Lock()
	dev := s.device
	s.mu.Unlock()
	if dev == nil {
		return ""
	}
	return dev.Name()
}

// CanRequestDevice reports whether RequestDevice is currently legal.
func (s *Session) CanRequestDevice() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disconnecting && (s.state == NoDevice || s.state == HaveDevice)
}

// CanConnect reports whether Connect is currently legal.
func (s *Session) CanConnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disconnecting && s.state == HaveDevice
}

// CanDisconnect reports whether Disconnect is currently legal.
func (s *Session) CanDisconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disconnecting && (s.state == Connecting || s.state == Ready)
}

// OnReadyStateChange registers fn for state-change events and returns its
// removal func.
func (s *Session) OnReadyStateChange(fn func(ReadyState)) func() {
	return s.stateListeners.add(fn)
}

// OnBreath registers fn for normalized readings.
func (s *Session) OnBreath(fn func(float64)) func() {
	return s.breathListeners.add(fn)
}

// OnCalibrationStateChange registers fn for calibration start/finish.
func (s *Session) OnCalibrationStateChange(fn func(bool)) func() {
	return s.calListeners.add(fn)
}

// OnError registers fn for errors from the autonomous tick loop and the
// notification path.
func (s *Session) OnError(fn func(error)) func() {
	return s.errListeners.add(fn)
}

// setStateLocked applies a validated transition, clears the last reading,
// and returns the new state for the caller to emit after unlocking.
func (s *Session) setStateLocked(to ReadyState) ReadyState {
	if !s.state.CanTransitionTo(to) {
		panic(fmt.Sprintf("session: illegal transition %s -> %s", s.state, to))
	}
	logrus.WithFields(logrus.Fields{
		"from": s.state.String(),
		"to":   to.String(),
	}).Debug("ready state changed")
	s.state = to
	s.breathValue, s.hasValue = 0, false
	return to
}

func (s *Session) reportError(err error) {
	logrus.WithError(err).Warn("session error")
	s.errListeners.emit(err)
}

// RequestDevice selects a peripheral through the provider. Legal from
// NoDevice and HaveDevice. Any pending calibration is aborted and the
// neutral offset reset, since the physical peripheral may change.
func (s *Session) RequestDevice(ctx context.Context) error {
	s.mu.Lock()
	if s.disconnecting || (s.state != NoDevice && s.state != HaveDevice) {
		state := s.state
		s.mu.Unlock()
		return pkgerrors.Errorf("cannot request a device in state %s", state)
	}
	s.offset = 0
	calAborted := s.abortCalibrationLocked("device request started")
	st := s.setStateLocked(RequestingDevice)
	s.mu.Unlock()

	if calAborted {
		s.calListeners.emit(false)
	}
	s.stateListeners.emit(st)

	dev, err := race(ctx, func() (ble.Device, error) {
		return s.opts.Provider.RequestDevice(ctx, ble.Filter{Services: []uint16{s.opts.ServiceID}})
	})
	if err == nil && (dev == nil || !dev.Connectable()) {
		err = pkgerrors.New("selected device is not connectable")
	}
	if err != nil {
		s.mu.Lock()
		s.device = nil
		st := s.setStateLocked(NoDevice)
		s.mu.Unlock()
		s.stateListeners.emit(st)
		return pkgerrors.Wrap(err, "device request failed")
	}

	s.mu.Lock()
	s.device = dev
	st = s.setStateLocked(HaveDevice)
	s.mu.Unlock()
	s.stateListeners.emit(st)

	logrus.WithField("device", dev.Name()).Info("device selected")
	return nil
}

// Connect starts the connect/poll cycle and blocks until the first
// attempt succeeds or Disconnect rejects it. The cycle keeps retrying
// failed attempts (and reconnecting after link loss) until Disconnect.
// If ctx expires first, Connect returns ctx.Err() and the cycle keeps
// running in the background.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.disconnecting {
		s.mu.Unlock()
		return pkgerrors.New("disconnect in progress")
	}
	switch s.state {
	case HaveDevice:
	case NoDevice, RequestingDevice:
		s.mu.Unlock()
		return pkgerrors.Wrap(ErrNoDevice, "cannot connect")
	default:
		state := s.state
		s.mu.Unlock()
		return pkgerrors.Errorf("cannot connect in state %s", state)
	}

	// Zero attempt clock: the first tick connects immediately.
	s.lastAttempt = time.Time{}
	s.cycleCtx, s.cancel = context.WithCancelCause(context.Background())
	s.epoch++
	waiter := make(chan error, 1)
	s.connectCh = waiter
	st := s.setStateLocked(Connecting)
	s.mu.Unlock()

	s.stateListeners.emit(st)

	if err := s.ticker.start(); err != nil {
		return pkgerrors.Wrap(err, "start poll cycle")
	}

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect cancels the connect/poll cycle, aborts a pending calibration,
// stops the ticker after in-flight work settles, and releases the
// transport link. The session always ends in HaveDevice, even when the
// transport-level disconnect fails.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.disconnecting {
		s.mu.Unlock()
		return pkgerrors.New("disconnect already in progress")
	}
	if s.state != Connecting && s.state != Ready {
		state := s.state
		s.mu.Unlock()
		return pkgerrors.Errorf("cannot disconnect in state %s", state)
	}
	s.disconnecting = true
	s.cancel(ErrDisconnectRequested)
	// Invalidate the subscription first so a late notification cannot
	// emit a reading while the disconnect settles.
	s.activeSub = 0
	calAborted := s.abortCalibrationLocked("disconnected")
	s.resolveConnectLocked(ErrDisconnectRequested)
	conn := s.conn
	s.mu.Unlock()

	if calAborted {
		s.calListeners.emit(false)
	}

	s.ticker.stop()

	if conn != nil {
		dctx, cancel := context.WithTimeout(ctx, s.opts.DisconnectTimeout)
		_, err := race(dctx, func() (struct{}, error) {
			return struct{}{}, conn.Disconnect(dctx)
		})
		cancel()
		if err != nil {
			logrus.WithError(err).Warn("transport disconnect failed")
		}
	}

	s.mu.Lock()
	s.conn = nil
	s.char = nil
	s.disconnecting = false
	st := s.setStateLocked(HaveDevice)
	s.mu.Unlock()
	s.stateListeners.emit(st)

	logrus.Info("disconnected")
	return nil
}

// resolveConnectLocked settles the pending Connect waiter, if any. The
// waiter resolves exactly once per Connect call.
func (s *Session) resolveConnectLocked(err error) {
	if s.connectCh == nil {
		return
	}
	s.connectCh <- err
	s.connectCh = nil
}

// runTick adapts tick for the ticker: failures are reported through the
// error surface and then swallowed by the ticker loop.
func (s *Session) runTick(now time.Time) error {
	if err := s.tick(now); err != nil {
		s.reportError(err)
		return err
	}
	return nil
}

// tick advances the connection one step: it detects link loss, drives
// reconnect attempts, and polls for a fresh reading.
func (s *Session) tick(now time.Time) error {
	s.mu.Lock()

	switch s.state {
	case NoDevice, RequestingDevice, HaveDevice:
		state := s.state
		s.mu.Unlock()
		return pkgerrors.Errorf("tick while %s", state)
	}

	if s.state == Ready && s.conn != nil && !s.conn.Connected() {
		logrus.Warn("link lost, reconnecting")
		// Restart the retry clock: the reconnect attempt happens one
		// RetryInterval after detection, on a later tick.
		s.lastAttempt = now
		st := s.setStateLocked(Connecting)
		s.mu.Unlock()
		s.stateListeners.emit(st)
		return nil
	}

	if s.state == Connecting {
		if now.Sub(s.lastAttempt) < s.opts.RetryInterval {
			s.mu.Unlock()
			return nil
		}
		s.lastAttempt = now
		epoch := s.epoch
		ctx := s.cycleCtx
		dev := s.device
		s.mu.Unlock()
		return s.attempt(ctx, epoch, dev)
	}

	// Ready with a live link: request a fresh reading.
	ctx := s.cycleCtx
	char := s.char
	s.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	if _, err := race(wctx, func() (struct{}, error) {
		return struct{}{}, char.Write(wctx, breath.BreathRequest)
	}); err != nil {
		return pkgerrors.Wrap(err, "breath request failed")
	}
	return nil
}

// attempt runs one composite connect attempt bounded by InitTimeout and
// the cycle context, and commits the link if the cycle is still current.
func (s *Session) attempt(ctx context.Context, epoch uint64, dev ble.Device) error {
	ictx, cancel := context.WithTimeout(ctx, s.opts.InitTimeout)
	defer cancel()

	conn, char, seq, err := s.initialize(ictx, dev)
	if err != nil {
		return pkgerrors.Wrap(err, "connect attempt failed")
	}

	s.mu.Lock()
	if s.epoch != epoch || ctx.Err() != nil {
		// The cycle ended while the attempt was in flight; drop the link.
		s.mu.Unlock()
		s.abandon(conn)
		if cause := context.Cause(ctx); cause != nil {
			return pkgerrors.Wrap(cause, "connect attempt abandoned")
		}
		return nil
	}
	s.conn = conn
	s.char = char
	s.activeSub = seq
	st := s.setStateLocked(Ready)
	s.resolveConnectLocked(nil)
	s.mu.Unlock()

	s.stateListeners.emit(st)
	logrus.WithField("device", dev.Name()).Info("connected")
	return nil
}

// initialize performs the connect -> discover service -> discover
// characteristic -> subscribe sequence. Every step is raced against ctx so
// the attempt aborts promptly at any boundary.
func (s *Session) initialize(ctx context.Context, dev ble.Device) (ble.Connection, ble.Characteristic, uint64, error) {
	conn, err := race(ctx, func() (ble.Connection, error) {
		return dev.Connect(ctx)
	})
	if err != nil {
		return nil, nil, 0, pkgerrors.Wrap(err, "connect")
	}

	svc, err := race(ctx, func() (ble.Service, error) {
		return conn.Service(ctx, s.opts.ServiceID)
	})
	if err != nil {
		s.abandon(conn)
		return nil, nil, 0, pkgerrors.Wrap(err, "discover service")
	}

	char, err := race(ctx, func() (ble.Characteristic, error) {
		return svc.Characteristic(ctx, s.opts.CharacteristicID)
	})
	if err != nil {
		s.abandon(conn)
		return nil, nil, 0, pkgerrors.Wrap(err, "discover characteristic")
	}

	seq := s.nextSub()
	if _, err := race(ctx, func() (struct{}, error) {
		return struct{}{}, char.Subscribe(func(p []byte) { s.handleNotification(seq, p) })
	}); err != nil {
		s.abandon(conn)
		return nil, nil, 0, pkgerrors.Wrap(err, "subscribe")
	}

	return conn, char, seq, nil
}

// abandon releases a link that will not be committed, off the tick
// goroutine and bounded by the disconnect timeout.
func (s *Session) abandon(conn ble.Connection) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.DisconnectTimeout)
		defer cancel()
		_ = conn.Disconnect(ctx)
	}()
}

func (s *Session) nextSub() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subSeq++
	return s.subSeq
}
