package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pneumalabs/spiro/pkg/events"
	"github.com/pneumalabs/spiro/pkg/session"
)

// scheduledCalibrationTimeout bounds one scheduled calibration run. A
// healthy run finishes within a few seconds of readings; anything longer
// means the link degraded mid-window.
const scheduledCalibrationTimeout = 5 * time.Minute

// session accessors (function vars) for test seam; default to sess methods.
var (
	calibrateSession = func(ctx context.Context) error { return sess.Calibrate(ctx) }
	sessionState     = func() session.ReadyState { return sess.ReadyState() }
)

// runScheduledCalibration is the scheduler task: it re-measures the
// neutral offset on the live session.
func runScheduledCalibration() error {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledCalibrationTimeout)
	defer cancel()

	logrus.Info("running scheduled calibration")
	if err := calibrateSession(ctx); err != nil {
		return err
	}
	logrus.Info("scheduled calibration finished")
	return nil
}

// calibrationPreCheck gates scheduled calibrations on a live link. The
// scheduler retries a failing precheck before giving up on that run.
func calibrationPreCheck() error {
	if st := sessionState(); st != session.Ready {
		return fmt.Errorf("session is %s, want %s", st, session.Ready)
	}
	return nil
}

func notifyCalibrationUpcoming(data any) {
	runAt, ok := data.(time.Time)
	if !ok {
		return
	}
	hub.Publish(events.CalibrationUpcoming, events.CalibrationUpcomingEvent{
		RunAt: runAt.Format(time.RFC3339),
		Ts:    time.Now().UnixMilli(),
	})
}

func notifySchedulerError(data any) {
	err, ok := data.(error)
	if !ok {
		return
	}
	logrus.WithError(err).Warn("scheduled calibration")
	hub.Publish(events.SessionError, events.SessionErrorEvent{
		Message: err.Error(),
		Ts:      time.Now().UnixMilli(),
	})
}

// publishScheduleChange announces the current schedule, or its removal,
// to event subscribers.
func publishScheduleChange() {
	ev := events.CalibrationScheduledEvent{
		Spec: conf.Schedule(),
		Ts:   time.Now().UnixMilli(),
	}
	if next, _ := sched.Status(); !next.IsZero() && ev.Spec != "" {
		ev.NextRun = next.Format(time.RFC3339)
	}
	hub.Publish(events.CalibrationScheduled, ev)
}
