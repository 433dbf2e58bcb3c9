package session

import (
	"context"
	"math"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pneumalabs/spiro/pkg/breath"
)

// calibration tracks one in-progress neutral-offset measurement. Samples
// are stored on the centered scale (wire value minus device range).
type calibration struct {
	pending bool
	samples []int
	waiter  chan error
}

// Calibrate measures the resting signal level over a fixed window of
// readings and installs its mean as the neutral offset. It blocks until
// the window fills, the calibration is aborted, or ctx expires; in the
// last case the calibration keeps running in the background.
//
// Readings are suspended while a calibration is pending. The pending
// calibration survives transient link loss and resumes where it left
// off; Disconnect and RequestDevice abort it. A second Calibrate call
// supersedes the first: the first caller gets ErrCalibrationAborted and
// sampling restarts.
func (s *Session) Calibrate(ctx context.Context) error {
	s.mu.Lock()
	if s.disconnecting {
		s.mu.Unlock()
		return pkgerrors.New("disconnect in progress")
	}
	switch s.state {
	case HaveDevice, Connecting, Ready:
	default:
		s.mu.Unlock()
		return pkgerrors.Wrap(ErrNoDevice, "cannot calibrate")
	}
	wasPending := s.cal.pending
	if wasPending {
		s.cal.waiter <- pkgerrors.Wrap(ErrCalibrationAborted, "superseded by a newer calibration")
	}
	s.cal.pending = true
	s.cal.samples = s.cal.samples[:0]
	waiter := make(chan error, 1)
	s.cal.waiter = waiter
	s.mu.Unlock()

	if !wasPending {
		s.calListeners.emit(true)
	}
	logrus.WithField("samples", s.opts.CalibrationSamples).Info("calibration started")

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Calibrating reports whether a calibration is pending.
func (s *Session) Calibrating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cal.pending
}

// abortCalibrationLocked fails the pending calibration, if any, and
// reports whether one was aborted. The caller emits the corresponding
// calibration-state event after unlocking.
func (s *Session) abortCalibrationLocked(reason string) bool {
	if !s.cal.pending {
		return false
	}
	s.cal.pending = false
	s.cal.waiter <- pkgerrors.Wrap(ErrCalibrationAborted, reason)
	s.cal.waiter = nil
	s.cal.samples = nil
	return true
}

// handleNotification routes one raw frame from subscription seq. Frames
// from superseded subscriptions are dropped; live frames feed either the
// pending calibration or the normalized reading surface.
func (s *Session) handleNotification(seq uint64, p []byte) {
	s.mu.Lock()
	if s.state != Ready || seq != s.activeSub {
		s.mu.Unlock()
		return
	}

	wire, err := breath.ParseFrame(p)
	if err != nil {
		s.mu.Unlock()
		s.reportError(pkgerrors.Wrap(err, "bad sensor frame"))
		return
	}

	if s.cal.pending {
		s.cal.samples = append(s.cal.samples, wire-breath.Range)
		if len(s.cal.samples) < s.opts.CalibrationSamples {
			s.mu.Unlock()
			return
		}
		offset := int(math.Round(breath.Mean(s.cal.samples)))
		s.offset = offset
		s.cal.pending = false
		s.cal.waiter <- nil
		s.cal.waiter = nil
		s.cal.samples = nil
		s.mu.Unlock()

		s.calListeners.emit(false)
		logrus.WithField("offset", offset).Info("calibration finished")
		return
	}

	v := breath.Normalize(wire, breath.Range, s.deadZone, s.offset)
	s.breathValue, s.hasValue = v, true
	s.mu.Unlock()

	s.breathListeners.emit(v)
}
