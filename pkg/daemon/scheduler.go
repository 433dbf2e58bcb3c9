package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	// leadDuration is how long before the scheduled time the upcoming
	// notification fires, giving the user a chance to postpone or skip.
	leadDuration     = 5 * time.Minute
	preCheckMaxTimes = 30
	preCheckInterval = 10 * time.Second

	// idleWait parks the loop timer while no schedule is installed.
	idleWait = 10000 * time.Hour
)

type NotifyFunc func(data any)

// TaskFunc represents a runnable task.
type TaskFunc func() error

// Scheduler runs the calibration task on a cron schedule. Each run is
// announced leadDuration early, then gated on a precheck; a failing
// precheck is retried preCheckMaxTimes before that run is dropped.
type Scheduler struct {
	task       TaskFunc
	preCheck   TaskFunc
	onUpcoming NotifyFunc
	onError    NotifyFunc

	parser cron.Parser

	mu       sync.Mutex
	schedule cron.Schedule
	nextRun  time.Time
	running  bool

	ctrlCh chan controlMsg
	stopCh chan struct{}
}

type controlKind int

const (
	ctrlRecalculate controlKind = iota // schedule replaced
	ctrlPostpone                       // current run moved later
	ctrlSkip                           // current run dropped
	ctrlClear                          // schedule removed
)

type controlMsg struct {
	kind controlKind
	data any
}

func NewScheduler(task, preCheck TaskFunc, onUpcoming, onError NotifyFunc) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	return &Scheduler{
		task:       task,
		preCheck:   preCheck,
		onUpcoming: onUpcoming,
		onError:    onError,
		parser:     cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ctrlCh:     make(chan controlMsg, 4),
		stopCh:     make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.loop()
}

// Stop terminates the loop. Safe to call more than once.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Schedule installs a new cron expression, replacing any current one.
func (s *Scheduler) Schedule(cronExpr string) error {
	sh, err := s.parser.Parse(cronExpr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.running {
		s.schedule = sh
		s.nextRun = sh.Next(time.Now())
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// The loop owns schedule state while running; hand the new schedule
	// over instead of racing it.
	s.postControl(ctrlRecalculate, sh)
	return nil
}

// Unschedule removes the schedule. The loop keeps running and picks up
// the next Schedule call.
func (s *Scheduler) Unschedule() {
	s.mu.Lock()
	if !s.running {
		s.schedule = nil
		s.nextRun = time.Time{}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.postControl(ctrlClear, nil)
}

// Postpone moves the next run later by d without touching the runs after
// it, so d may not reach past the following cron occurrence.
func (s *Scheduler) Postpone(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("postpone duration must be positive")
	}

	s.mu.Lock()
	schedule, orig, running := s.schedule, s.nextRun, s.running
	s.mu.Unlock()

	if schedule == nil || orig.IsZero() || !running {
		return fmt.Errorf("no active schedule to postpone")
	}

	pp := orig.Add(d).Truncate(time.Second)
	if next := schedule.Next(orig).Truncate(time.Second); !pp.Before(next) {
		return fmt.Errorf("postpone duration too long")
	}

	s.postControl(ctrlPostpone, pp)
	return nil
}

// Skip drops the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to skip")
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	running := s.running
	s.mu.Unlock()

	if running {
		s.postControl(ctrlSkip, nil)
	}
	return nil
}

func (s *Scheduler) Status() (nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun, s.running
}

// loop arms one timer per pending run: first for the upcoming
// announcement, then for the run itself, then for precheck retries. Any
// control message ends the current cycle and re-reads the schedule.
func (s *Scheduler) loop() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("calibration scheduler stopped")
	}()

	logrus.Debug("calibration scheduler started")

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		schedule, runAt := s.current()
		announced := false
		prechecks := 0
		lastPrecheckErr := ""

		if schedule == nil || runAt.IsZero() {
			resetTimer(timer, idleWait)
		} else {
			resetTimer(timer, time.Until(runAt)-leadDuration)
		}

	armed:
		for {
			select {
			case <-s.stopCh:
				return

			case msg := <-s.ctrlCh:
				logrus.WithField("kind", msg.kind).Debug("schedule control message")

				switch msg.kind {
				case ctrlPostpone:
					// Only this run moves; keep the current cycle.
					resetTimer(timer, time.Until(msg.data.(time.Time)))
					continue
				case ctrlRecalculate:
					sh := msg.data.(cron.Schedule)
					s.mu.Lock()
					s.schedule = sh
					s.nextRun = sh.Next(time.Now())
					s.mu.Unlock()
				case ctrlClear:
					s.mu.Lock()
					s.schedule = nil
					s.nextRun = time.Time{}
					s.mu.Unlock()
				case ctrlSkip:
					// Skip already advanced nextRun.
				}
				break armed

			case <-timer.C:
				if schedule == nil || runAt.IsZero() {
					break armed
				}

				if !announced {
					announced = true
					logrus.Debugf("upcoming scheduled calibration at %s", runAt.Format(time.DateTime))
					s.notifyUpcoming(runAt)
					resetTimer(timer, time.Until(runAt))
					continue
				}

				if err := s.runPreCheck(); err != nil {
					// Report each distinct failure once, not every retry.
					if err.Error() != lastPrecheckErr {
						lastPrecheckErr = err.Error()
						s.notifyError(fmt.Errorf("precheck failed: %v", err))
					}

					prechecks++
					if prechecks <= preCheckMaxTimes {
						logrus.Debugf("precheck failed (%d/%d): %v; retrying in %s", prechecks, preCheckMaxTimes, err, preCheckInterval)
						resetTimer(timer, preCheckInterval)
						continue
					}

					logrus.Warnf("dropping scheduled calibration at %s: precheck never cleared", runAt.Format(time.DateTime))
					s.advance()
					break armed
				}

				logrus.Debugf("running scheduled calibration at %s", runAt.Format(time.DateTime))
				go func() {
					if err := s.task(); err != nil {
						s.notifyError(fmt.Errorf("task failed: %v", err))
					}
				}()
				s.advance()
				break armed
			}
		}
	}
}

func (s *Scheduler) current() (cron.Schedule, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule, s.nextRun
}

func (s *Scheduler) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return
	}
	s.nextRun = s.schedule.Next(s.nextRun)
}

func (s *Scheduler) runPreCheck() error {
	if s.preCheck == nil {
		return nil
	}
	return s.preCheck()
}

// Notifications run on their own goroutines; a slow listener must not
// stall the loop.

func (s *Scheduler) notifyUpcoming(runAt time.Time) {
	if s.onUpcoming == nil {
		return
	}
	go s.onUpcoming(runAt)
}

func (s *Scheduler) notifyError(err error) {
	if s.onError == nil {
		return
	}
	go s.onError(err)
}

// postControl never blocks; a full channel drops the message.
func (s *Scheduler) postControl(kind controlKind, data any) {
	select {
	case s.ctrlCh <- controlMsg{kind: kind, data: data}:
	default:
	}
}

// resetTimer re-arms a stopped or fired timer. Negative delays fire
// immediately.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}
