package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func pushFrames(f *fixture, frame string, n int) {
	for i := 0; i < n; i++ {
		f.dev.Characteristic().Push([]byte(frame + "\r\n"))
	}
}

func TestCalibrateCollectsWindow(t *testing.T) {
	f := newFixture(t, nil)
	f.connectReady(t)

	done := make(chan error, 1)
	go func() { done <- f.s.Calibrate(context.Background()) }()
	f.waitCal(t, true)

	// 0x0834 is 52 above the device midpoint.
	pushFrames(f, "0834", DefaultCalibrationSamples-1)
	if !f.s.Calibrating() {
		t.Fatal("calibration finished before the window filled")
	}
	select {
	case err := <-done:
		t.Fatalf("Calibrate returned early: %v", err)
	default:
	}
	if got := f.drainBreaths(); len(got) != 0 {
		t.Fatalf("saw %d readings during calibration, want none", len(got))
	}

	pushFrames(f, "0834", 1)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Calibrate: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Calibrate never returned")
	}
	f.waitCal(t, false)

	if got := f.s.Offset(); got != 52 {
		t.Errorf("Offset = %d, want 52", got)
	}

	// The calibrated rest level now reads as zero.
	pushFrames(f, "0834", 1)
	if v := f.waitBreath(t); v != 0 {
		t.Errorf("rest reading = %v after calibration, want 0", v)
	}

	// And the midpoint is now slightly negative.
	if err := f.s.SetDeadZone(0); err != nil {
		t.Fatalf("SetDeadZone: %v", err)
	}
	pushFrames(f, "0800", 1)
	if v, want := f.waitBreath(t), -52.0/2048.0; v != want {
		t.Errorf("midpoint reading = %v after calibration, want %v", v, want)
	}
}

func TestCalibrateCustomWindow(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.CalibrationSamples = 5
	})
	f.connectReady(t)

	done := make(chan error, 1)
	go func() { done <- f.s.Calibrate(context.Background()) }()
	f.waitCal(t, true)

	pushFrames(f, "0834", 5)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Calibrate: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Calibrate never returned")
	}
	if got := f.s.Offset(); got != 52 {
		t.Errorf("Offset = %d, want 52", got)
	}
}

func TestCalibrateSuperseded(t *testing.T) {
	f := newFixture(t, nil)
	f.connectReady(t)

	doneA := make(chan error, 1)
	go func() { doneA <- f.s.Calibrate(context.Background()) }()
	f.waitCal(t, true)
	pushFrames(f, "0834", 20)

	doneB := make(chan error, 1)
	go func() { doneB <- f.s.Calibrate(context.Background()) }()

	select {
	case err := <-doneA:
		if !errors.Is(err, ErrCalibrationAborted) {
			t.Errorf("first Calibrate error = %v, want %v", err, ErrCalibrationAborted)
		}
	case <-time.After(waitTimeout):
		t.Fatal("superseded Calibrate never returned")
	}

	// The second calibration needs a full window of its own.
	waitCond(t, "second calibration never started", f.s.Calibrating)
	pushFrames(f, "0866", DefaultCalibrationSamples-1)
	select {
	case err := <-doneB:
		t.Fatalf("second Calibrate returned early: %v", err)
	default:
	}

	pushFrames(f, "0866", 1)
	select {
	case err := <-doneB:
		if err != nil {
			t.Fatalf("second Calibrate: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("second Calibrate never returned")
	}

	// 0x0866 is 102 above the midpoint.
	if got := f.s.Offset(); got != 102 {
		t.Errorf("Offset = %d, want 102", got)
	}

	// Superseding must not toggle the calibration flag; exactly one
	// finish event follows the single start.
	f.waitCal(t, false)
	if len(f.cals) != 0 {
		t.Errorf("%d extra calibration events", len(f.cals))
	}
}

func TestCalibrationSurvivesLinkLoss(t *testing.T) {
	f := newFixture(t, nil)
	f.connectReady(t)

	done := make(chan error, 1)
	go func() { done <- f.s.Calibrate(context.Background()) }()
	f.waitCal(t, true)
	pushFrames(f, "0834", 20)

	f.dev.Connection().SetConnected(false)
	f.waitState(t, Connecting)
	if !f.s.Calibrating() {
		t.Fatal("calibration dropped during reconnect")
	}
	f.waitState(t, Ready)

	pushFrames(f, "0866", 30)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Calibrate: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Calibrate never returned after reconnect")
	}
	f.waitCal(t, false)

	// Mean of 20 samples at +52 and 30 samples at +102.
	if got := f.s.Offset(); got != 82 {
		t.Errorf("Offset = %d, want 82", got)
	}
}

func TestDisconnectAbortsCalibration(t *testing.T) {
	f := newFixture(t, nil)
	f.connectReady(t)

	done := make(chan error, 1)
	go func() { done <- f.s.Calibrate(context.Background()) }()
	f.waitCal(t, true)
	pushFrames(f, "0834", 10)

	if err := f.s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrCalibrationAborted) {
			t.Errorf("Calibrate error = %v, want %v", err, ErrCalibrationAborted)
		}
	case <-time.After(waitTimeout):
		t.Fatal("aborted Calibrate never returned")
	}
	f.waitCal(t, false)
	if f.s.Calibrating() {
		t.Error("Calibrating should be false after abort")
	}
}

func TestRequestDeviceAbortsCalibrationAndResetsOffset(t *testing.T) {
	f := newFixture(t, nil)
	f.connectReady(t)

	// Install a non-zero offset first.
	done := make(chan error, 1)
	go func() { done <- f.s.Calibrate(context.Background()) }()
	f.waitCal(t, true)
	pushFrames(f, "0834", DefaultCalibrationSamples)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Calibrate: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Calibrate never returned")
	}
	f.waitCal(t, false)
	if got := f.s.Offset(); got != 52 {
		t.Fatalf("Offset = %d, want 52", got)
	}

	if err := f.s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	f.waitState(t, HaveDevice)

	// A calibration may wait for readings while disconnected; selecting a
	// new device must abort it and drop the stale offset.
	go func() { done <- f.s.Calibrate(context.Background()) }()
	f.waitCal(t, true)

	if err := f.s.RequestDevice(context.Background()); err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrCalibrationAborted) {
			t.Errorf("Calibrate error = %v, want %v", err, ErrCalibrationAborted)
		}
	case <-time.After(waitTimeout):
		t.Fatal("aborted Calibrate never returned")
	}
	f.waitCal(t, false)
	if got := f.s.Offset(); got != 0 {
		t.Errorf("Offset = %d after device change, want 0", got)
	}
}

func TestCalibrateWithoutDevice(t *testing.T) {
	f := newFixture(t, nil)
	err := f.s.Calibrate(context.Background())
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("Calibrate error = %v, want %v", err, ErrNoDevice)
	}
}

func TestCalibrateWhileConnecting(t *testing.T) {
	f := newFixture(t, nil)
	release := f.dev.GateConnect()
	defer release()

	if err := f.s.RequestDevice(context.Background()); err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	go f.s.Connect(context.Background())
	f.waitState(t, Connecting)

	done := make(chan error, 1)
	go func() { done <- f.s.Calibrate(context.Background()) }()
	f.waitCal(t, true)

	release()
	f.waitState(t, Ready)

	pushFrames(f, "0834", DefaultCalibrationSamples)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Calibrate: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Calibrate never returned")
	}
	if got := f.s.Offset(); got != 52 {
		t.Errorf("Offset = %d, want 52", got)
	}
}
