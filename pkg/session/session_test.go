package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pneumalabs/spiro/pkg/ble"
	"github.com/pneumalabs/spiro/pkg/breath"
)

const waitTimeout = 2 * time.Second

// fixture wires one Session to a scriptable fake peripheral and records
// every emitted event. State and calibration events must never be missed;
// readings and errors are high-rate and may drop once their buffer fills.
type fixture struct {
	s    *Session
	prov *ble.FakeProvider
	dev  *ble.FakeDevice

	states  chan ReadyState
	breaths chan float64
	cals    chan bool
	errs    chan error
}

func newFixture(t *testing.T, mod func(*Options)) *fixture {
	t.Helper()
	dev := ble.NewFakeDevice("breath-0042", breath.ServiceUUID, breath.CharacteristicUUID)
	prov := ble.NewFakeProvider(dev)
	opts := Options{
		Provider:      prov,
		TickInterval:  2 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
	}
	if mod != nil {
		mod(&opts)
	}
	f := &fixture{
		s:       New(opts),
		prov:    prov,
		dev:     dev,
		states:  make(chan ReadyState, 1024),
		breaths: make(chan float64, 4096),
		cals:    make(chan bool, 64),
		errs:    make(chan error, 1024),
	}
	f.s.OnReadyStateChange(func(st ReadyState) { f.states <- st })
	f.s.OnCalibrationStateChange(func(on bool) { f.cals <- on })
	f.s.OnBreath(func(v float64) {
		select {
		case f.breaths <- v:
		default:
		}
	})
	f.s.OnError(func(err error) {
		select {
		case f.errs <- err:
		default:
		}
	})
	return f
}

func (f *fixture) connectReady(t *testing.T) {
	t.Helper()
	if err := f.s.RequestDevice(context.Background()); err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	if err := f.s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.waitState(t, Ready)
}

func (f *fixture) waitState(t *testing.T, want ReadyState) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case st := <-f.states:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// waitStateTrace waits for want and returns every state observed on the
// way, including want itself.
func (f *fixture) waitStateTrace(t *testing.T, want ReadyState) []ReadyState {
	t.Helper()
	var trace []ReadyState
	deadline := time.After(waitTimeout)
	for {
		select {
		case st := <-f.states:
			trace = append(trace, st)
			if st == want {
				return trace
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, saw %v", want, trace)
		}
	}
}

func (f *fixture) waitCal(t *testing.T, want bool) {
	t.Helper()
	select {
	case got := <-f.cals:
		if got != want {
			t.Fatalf("calibration state = %v, want %v", got, want)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for calibration state %v", want)
	}
}

func (f *fixture) waitBreath(t *testing.T) float64 {
	t.Helper()
	select {
	case v := <-f.breaths:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a reading")
		return 0
	}
}

func (f *fixture) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.errs:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an error event")
		return nil
	}
}

func (f *fixture) drainBreaths() []float64 {
	var out []float64
	for {
		select {
		case v := <-f.breaths:
			out = append(out, v)
		default:
			return out
		}
	}
}

func waitCond(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSessionDefaults(t *testing.T) {
	f := newFixture(t, nil)
	s := f.s

	if got := s.ReadyState(); got != NoDevice {
		t.Errorf("ReadyState = %s, want %s", got, NoDevice)
	}
	if got := s.DeadZone(); got != breath.DefaultDeadZone {
		t.Errorf("DeadZone = %v, want %v", got, breath.DefaultDeadZone)
	}
	if v, ok := s.BreathValue(); ok || v != 0 {
		t.Errorf("BreathValue = (%v, %v), want (0, false)", v, ok)
	}
	if got := s.Offset(); got != 0 {
		t.Errorf("Offset = %d, want 0", got)
	}
	if s.Calibrating() {
		t.Error("new session should not be calibrating")
	}
	if s.DeviceName() != "" {
		t.Errorf("DeviceName = %q, want empty", s.DeviceName())
	}
	if !s.CanRequestDevice() || s.CanConnect() || s.CanDisconnect() {
		t.Errorf("capabilities = (%v, %v, %v), want (true, false, false)",
			s.CanRequestDevice(), s.CanConnect(), s.CanDisconnect())
	}
}

func TestNewValidation(t *testing.T) {
	prov := ble.NewFakeProvider(nil)
	tests := []struct {
		name string
		opts Options
	}{
		{"nil provider", Options{}},
		{"dead zone at one", Options{Provider: prov, DeadZone: 1}},
		{"negative dead zone", Options{Provider: prov, DeadZone: -0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("New should panic")
				}
			}()
			New(tt.opts)
		})
	}
}

func TestRequestDevice(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.s.RequestDevice(context.Background()); err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	f.waitState(t, RequestingDevice)
	f.waitState(t, HaveDevice)

	if got := f.s.DeviceName(); got != "breath-0042" {
		t.Errorf("DeviceName = %q, want breath-0042", got)
	}
	if !f.s.CanConnect() {
		t.Error("CanConnect should be true with a device selected")
	}
	if got := f.prov.Requests(); got != 1 {
		t.Errorf("provider saw %d requests, want 1", got)
	}
}

func TestRequestDeviceFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.prov.FailNext(errors.New("selection dismissed"))

	if err := f.s.RequestDevice(context.Background()); err == nil {
		t.Fatal("RequestDevice should fail")
	}
	f.waitState(t, RequestingDevice)
	f.waitState(t, NoDevice)

	if f.s.DeviceName() != "" {
		t.Errorf("DeviceName = %q after failed request", f.s.DeviceName())
	}
	if f.s.CanConnect() {
		t.Error("CanConnect should be false after a failed request")
	}
}

func TestRequestDeviceNotConnectable(t *testing.T) {
	f := newFixture(t, nil)
	f.dev.SetConnectable(false)

	if err := f.s.RequestDevice(context.Background()); err == nil {
		t.Fatal("RequestDevice should reject a non-connectable device")
	}
	f.waitState(t, NoDevice)
}

func TestRequestDeviceWhileConnected(t *testing.T) {
	f := newFixture(t, nil)
	f.connectReady(t)

	if err := f.s.RequestDevice(context.Background()); err == nil {
		t.Fatal("RequestDevice should be rejected while connected")
	}
	if got := f.s.ReadyState(); got != Ready {
		t.Errorf("ReadyState = %s after rejected request, want %s", got, Ready)
	}
}

func TestConnectWithoutDevice(t *testing.T) {
	f := newFixture(t, nil)

	err := f.s.Connect(context.Background())
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("Connect error = %v, want %v", err, ErrNoDevice)
	}
}

func TestConnectAndPoll(t *testing.T) {
	f := newFixture(t, nil)
	f.dev.Characteristic().RespondWith(func([]byte) []byte {
		return []byte("0800\r\n")
	})

	if err := f.s.RequestDevice(context.Background()); err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	if err := f.s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.waitState(t, Connecting)
	f.waitState(t, Ready)

	select {
	case p := <-f.dev.Characteristic().WriteSignal():
		if !bytes.Equal(p, breath.BreathRequest) {
			t.Errorf("poll wrote %q, want %q", p, breath.BreathRequest)
		}
	case <-time.After(waitTimeout):
		t.Fatal("session never polled the characteristic")
	}

	if v := f.waitBreath(t); v != 0 {
		t.Errorf("reading = %v, want 0 for a centered frame", v)
	}
	if v, ok := f.s.BreathValue(); !ok || v != 0 {
		t.Errorf("BreathValue = (%v, %v), want (0, true)", v, ok)
	}
	if !f.s.CanDisconnect() {
		t.Error("CanDisconnect should be true while connected")
	}
}

func TestConnectRetriesUntilSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.dev.FailConnects(2, errors.New("out of range"))

	if err := f.s.RequestDevice(context.Background()); err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	if err := f.s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect should block until an attempt succeeds, got %v", err)
	}
	f.waitState(t, Ready)

	if got := f.dev.Connects(); got < 3 {
		t.Errorf("device saw %d connect attempts, want at least 3", got)
	}
	if err := f.waitError(t); err == nil {
		t.Error("failed attempts should surface as error events")
	}
}

func TestConnectWhileBusy(t *testing.T) {
	f := newFixture(t, nil)
	release := f.dev.GateConnect()
	defer release()

	if err := f.s.RequestDevice(context.Background()); err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- f.s.Connect(context.Background()) }()
	f.waitState(t, Connecting)

	if err := f.s.Connect(context.Background()); err == nil {
		t.Error("Connect should be rejected while connecting")
	}

	release()
	f.waitState(t, Ready)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pending Connect returned %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("pending Connect never returned")
	}

	if err := f.s.Connect(context.Background()); err == nil {
		t.Error("Connect should be rejected while ready")
	}
}

func TestConnectCallerTimeoutKeepsCycle(t *testing.T) {
	f := newFixture(t, nil)
	release := f.dev.GateConnect()
	defer release()

	if err := f.s.RequestDevice(context.Background()); err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := f.s.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect error = %v, want deadline exceeded", err)
	}

	// The cycle must keep running after the caller gave up waiting.
	release()
	f.waitState(t, Ready)
}

func TestDisconnectRejectsPendingConnect(t *testing.T) {
	f := newFixture(t, nil)
	release := f.dev.GateConnect()
	defer release()

	if err := f.s.RequestDevice(context.Background()); err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- f.s.Connect(context.Background()) }()
	f.waitState(t, Connecting)
	waitCond(t, "attempt never started", func() bool { return f.dev.Connects() >= 1 })

	if err := f.s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrDisconnectRequested) {
			t.Errorf("Connect error = %v, want %v", err, ErrDisconnectRequested)
		}
	case <-time.After(waitTimeout):
		t.Fatal("pending Connect never returned")
	}
	f.waitState(t, HaveDevice)
}

func TestDisconnectMidAttempt(t *testing.T) {
	tests := []struct {
		name    string
		gate    func(f *fixture) func()
		entered func(f *fixture) bool
	}{
		{
			"during connect",
			func(f *fixture) func() { return f.dev.GateConnect() },
			func(f *fixture) bool { return f.dev.Connects() >= 1 },
		},
		{
			"during service discovery",
			func(f *fixture) func() { return f.dev.Connection().GateService() },
			func(f *fixture) bool { return f.dev.Connection().ServiceCalls() >= 1 },
		},
		{
			"during characteristic discovery",
			func(f *fixture) func() { return f.dev.Service().GateCharacteristic() },
			func(f *fixture) bool { return f.dev.Service().CharacteristicCalls() >= 1 },
		},
		{
			"during subscribe",
			func(f *fixture) func() { return f.dev.Characteristic().GateSubscribe() },
			func(f *fixture) bool { return f.dev.Characteristic().SubscribeCalls() >= 1 },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			release := tt.gate(f)
			defer release()

			if err := f.s.RequestDevice(context.Background()); err != nil {
				t.Fatalf("RequestDevice: %v", err)
			}
			done := make(chan error, 1)
			go func() { done <- f.s.Connect(context.Background()) }()
			f.waitState(t, Connecting)
			waitCond(t, "gated step never entered", func() bool { return tt.entered(f) })

			if err := f.s.Disconnect(context.Background()); err != nil {
				t.Fatalf("Disconnect: %v", err)
			}
			select {
			case err := <-done:
				if !errors.Is(err, ErrDisconnectRequested) {
					t.Errorf("Connect error = %v, want %v", err, ErrDisconnectRequested)
				}
			case <-time.After(waitTimeout):
				t.Fatal("pending Connect never returned")
			}

			trace := f.waitStateTrace(t, HaveDevice)
			for _, st := range trace {
				if st == Ready {
					t.Errorf("session reached %s during an interrupted attempt", Ready)
				}
			}
			if got := f.s.ReadyState(); got != HaveDevice {
				t.Errorf("ReadyState = %s, want %s", got, HaveDevice)
			}
		})
	}
}

func TestLinkLossReconnects(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RetryInterval = 100 * time.Millisecond
	})
	f.dev.Characteristic().RespondWith(func([]byte) []byte {
		return []byte("0800\r\n")
	})
	f.connectReady(t)
	f.waitBreath(t)

	f.dev.Connection().SetConnected(false)
	f.waitState(t, Connecting)

	if _, ok := f.s.BreathValue(); ok {
		t.Error("reading should be cleared when the link drops")
	}

	// The reconnect attempt must wait out the retry interval.
	time.Sleep(30 * time.Millisecond)
	if got := f.dev.Connects(); got != 1 {
		t.Fatalf("device saw %d connects before the retry interval elapsed, want 1", got)
	}

	f.waitState(t, Ready)
	if got := f.dev.Connects(); got != 2 {
		t.Errorf("device saw %d connects, want 2", got)
	}
	f.waitBreath(t)
}

func TestDisconnectStopsPolling(t *testing.T) {
	f := newFixture(t, nil)
	f.dev.Characteristic().RespondWith(func([]byte) []byte {
		return []byte("0800\r\n")
	})
	f.connectReady(t)
	f.waitBreath(t)

	if err := f.s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	f.waitState(t, HaveDevice)

	if got := f.dev.Connection().Disconnects(); got == 0 {
		t.Error("transport link was never released")
	}

	before := len(f.dev.Characteristic().Writes())
	time.Sleep(30 * time.Millisecond)
	if after := len(f.dev.Characteristic().Writes()); after != before {
		t.Errorf("session polled %d more times after disconnect", after-before)
	}

	// A fresh cycle must work after a disconnect.
	f.drainBreaths()
	if err := f.s.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect after disconnect: %v", err)
	}
	f.waitState(t, Ready)
	f.waitBreath(t)
}

func TestDisconnectIllegalStates(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.s.Disconnect(context.Background()); err == nil {
		t.Error("Disconnect should fail with no device")
	}

	if err := f.s.RequestDevice(context.Background()); err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	if err := f.s.Disconnect(context.Background()); err == nil {
		t.Error("Disconnect should fail before connecting")
	}
}

func TestMalformedFrameReportsError(t *testing.T) {
	f := newFixture(t, nil)
	f.connectReady(t)

	f.dev.Characteristic().Push([]byte("zzzz\r\n"))
	err := f.waitError(t)
	if err == nil || !strings.Contains(err.Error(), "bad sensor frame") {
		t.Errorf("error = %v, want a bad-frame report", err)
	}

	// One bad frame must not take the session down.
	f.dev.Characteristic().Push([]byte("0800\r\n"))
	if v := f.waitBreath(t); v != 0 {
		t.Errorf("reading = %v after recovery, want 0", v)
	}
	if got := f.s.ReadyState(); got != Ready {
		t.Errorf("ReadyState = %s, want %s", got, Ready)
	}
}

func TestWriteFailureReportsError(t *testing.T) {
	f := newFixture(t, nil)
	f.connectReady(t)

	f.dev.Characteristic().FailWrites(errors.New("gatt busy"))
	err := f.waitError(t)
	if err == nil || !strings.Contains(err.Error(), "breath request failed") {
		t.Errorf("error = %v, want a poll failure report", err)
	}

	f.dev.Characteristic().FailWrites(nil)
	f.dev.Characteristic().RespondWith(func([]byte) []byte {
		return []byte("0800\r\n")
	})
	f.waitBreath(t)
}

func TestListenerOrderAndRemoval(t *testing.T) {
	f := newFixture(t, nil)
	f.connectReady(t)

	var mu sync.Mutex
	var order []string
	remove := f.s.OnBreath(func(float64) {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
	})
	f.s.OnBreath(func(float64) {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
	})

	f.dev.Characteristic().Push([]byte("0800\r\n"))
	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("listener order = %v, want [a b]", got)
	}

	remove()
	f.dev.Characteristic().Push([]byte("0800\r\n"))
	mu.Lock()
	got = append([]string(nil), order...)
	mu.Unlock()
	if len(got) != 3 || got[2] != "b" {
		t.Errorf("after removal saw %v, want one more b only", got)
	}
}

func TestTickDefectStates(t *testing.T) {
	for _, st := range []ReadyState{NoDevice, RequestingDevice, HaveDevice} {
		f := newFixture(t, nil)
		f.s.mu.Lock()
		f.s.state = st
		f.s.mu.Unlock()
		if err := f.s.tick(time.Now()); err == nil {
			t.Errorf("tick in %s should report a defect", st)
		}
	}
}

func TestIllegalTransitionPanics(t *testing.T) {
	f := newFixture(t, nil)
	defer func() {
		if recover() == nil {
			t.Error("illegal transition should panic")
		}
	}()
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.setStateLocked(Ready)
}
