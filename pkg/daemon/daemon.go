// Package daemon exposes one breath session over a unix-socket HTTP API,
// an SSE/WebSocket event stream, and an optional MQTT republisher, and
// runs calibrations on a cron schedule.
package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pneumalabs/spiro/pkg/ble"
	"github.com/pneumalabs/spiro/pkg/config"
	"github.com/pneumalabs/spiro/pkg/events"
	"github.com/pneumalabs/spiro/pkg/session"
)

// rateWindow is the sliding window used for the reported reading rate.
const rateWindow = 10 * time.Second

var (
	sess  *session.Session
	conf  config.Config
	hub   *events.EventHub
	sched *Scheduler
	rates = newRateRecorder(256)
)

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))

	v1 := router.Group("/api/v1")
	v1.GET("/state", getState)
	v1.POST("/request-device", requestDevice)
	v1.POST("/connect", connect)
	v1.POST("/disconnect", disconnect)
	v1.POST("/calibrate", calibrate)
	v1.GET("/dead-zone", getDeadZone)
	v1.PUT("/dead-zone", setDeadZone)
	v1.GET("/schedule", getSchedule)
	v1.PUT("/schedule", setSchedule)
	v1.POST("/schedule/postpone", postponeSchedule)
	v1.POST("/schedule/skip", skipSchedule)
	v1.GET("/config", getConfig)
	v1.GET("/events", getEvents)
	v1.GET("/stream", getStream)
	v1.GET("/version", getVersion)

	return router
}

// bridgeSessionEvents republishes session callbacks onto the event hub.
// The session emits outside its own lock, so these may call back into it.
func bridgeSessionEvents() {
	sess.OnReadyStateChange(func(st session.ReadyState) {
		rates.Clear()
		hub.Publish(events.ReadyStateChange, events.ReadyStateChangeEvent{
			State:  st.String(),
			Device: sess.DeviceName(),
			Ts:     time.Now().UnixMilli(),
		})
	})
	sess.OnBreath(func(v float64) {
		rates.Add(time.Now())
		hub.Publish(events.Breath, events.BreathEvent{
			Value: v,
			Ts:    time.Now().UnixMilli(),
		})
	})
	sess.OnCalibrationStateChange(func(calibrating bool) {
		hub.Publish(events.CalibrationStateChange, events.CalibrationStateChangeEvent{
			Calibrating: calibrating,
			Offset:      sess.Offset(),
			Ts:          time.Now().UnixMilli(),
		})
	})
	sess.OnError(func(err error) {
		hub.Publish(events.SessionError, events.SessionErrorEvent{
			Message: err.Error(),
			Ts:      time.Now().UnixMilli(),
		})
	})
}

// applyConfig pushes reloadable settings onto the live session and
// scheduler.
func applyConfig() {
	if err := sess.SetDeadZone(conf.DeadZone()); err != nil {
		logrus.Errorf("failed to apply dead zone from config: %v", err)
	}
	if spec := conf.Schedule(); spec != "" {
		if err := sched.Schedule(spec); err != nil {
			logrus.Errorf("failed to apply schedule %q from config: %v", spec, err)
		}
	} else {
		sched.Unschedule()
	}
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool, provider ble.Provider) error {
	router := setupRoutes()

	cfile, err := config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	conf = cfile
	logrus.WithFields(cfile.LogrusFields()).Infof("config loaded")

	hub = events.NewEventHub()

	sess = session.New(session.Options{
		Provider:           provider,
		TickInterval:       conf.TickInterval(),
		RetryInterval:      conf.RetryInterval(),
		DeadZone:           conf.DeadZone(),
		CalibrationSamples: conf.CalibrationSamples(),
	})
	bridgeSessionEvents()

	sched = NewScheduler(runScheduledCalibration, calibrationPreCheck, notifyCalibrationUpcoming, notifySchedulerError)
	if spec := conf.Schedule(); spec != "" {
		if err := sched.Schedule(spec); err != nil {
			logrus.Errorf("ignoring invalid schedule %q: %v", spec, err)
		}
	}
	sched.Start()

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			applyConfig()
			logrus.Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler: router,
	}

	// Create the socket to listen on:
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	var pub *mqttPublisher
	if broker := conf.MQTTBroker(); broker != "" {
		pub = newMQTTPublisher(broker, conf.MQTTTopic())
		pub.start(hub)
	}

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("stopping scheduler")
	sched.Stop()

	if pub != nil {
		logrus.Info("stopping mqtt publisher")
		pub.stop()
	}

	if sess.CanDisconnect() {
		logrus.Info("releasing peripheral link")
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sess.Disconnect(dctx); err != nil {
			logrus.Errorf("failed to disconnect before exiting: %v", err)
		}
		dcancel()
	}

	hub.Close()

	logrus.Info("exiting")
	return nil
}
