package daemon

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pneumalabs/spiro/pkg/config"
	"github.com/pneumalabs/spiro/pkg/types"
	"github.com/pneumalabs/spiro/pkg/version"
)

func getState(c *gin.Context) {
	v, ok := sess.BreathValue()
	st := types.Status{
		State:       sess.ReadyState().String(),
		DeviceName:  sess.DeviceName(),
		Calibrating: sess.Calibrating(),
		Offset:      sess.Offset(),
		DeadZone:    sess.DeadZone(),
		BreathValue: v,
		HasValue:    ok,
		ReadingRate: rates.Rate(rateWindow),
	}
	c.IndentedJSON(http.StatusOK, st)
}

func requestDevice(c *gin.Context) {
	if err := sess.RequestDevice(c.Request.Context()); err != nil {
		logrus.Errorf("requestDevice failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	msg := fmt.Sprintf("selected device %q", sess.DeviceName())
	logrus.Info(msg)

	c.IndentedJSON(http.StatusCreated, msg)
}

func connect(c *gin.Context) {
	if err := sess.Connect(c.Request.Context()); err != nil {
		logrus.Errorf("connect failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	msg := fmt.Sprintf("connected to %q", sess.DeviceName())
	logrus.Info(msg)

	c.IndentedJSON(http.StatusCreated, msg)
}

func disconnect(c *gin.Context) {
	if err := sess.Disconnect(c.Request.Context()); err != nil {
		logrus.Errorf("disconnect failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	c.IndentedJSON(http.StatusCreated, "disconnected")
}

func calibrate(c *gin.Context) {
	// Blocks until the sample window fills. The caller can give up early
	// by closing the request; the calibration itself keeps going.
	if err := sess.Calibrate(c.Request.Context()); err != nil {
		logrus.Errorf("calibrate failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	msg := fmt.Sprintf("calibrated, neutral offset is now %d", sess.Offset())
	logrus.Info(msg)

	c.IndentedJSON(http.StatusCreated, msg)
}

func getDeadZone(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, sess.DeadZone())
}

func setDeadZone(c *gin.Context) {
	var v float64
	if err := c.BindJSON(&v); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if v < 0 || v >= 1 {
		err := fmt.Errorf("dead zone must be in [0, 1), got %v", v)
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := sess.SetDeadZone(v); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	conf.SetDeadZone(v)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	logrus.Infof("set dead zone to %v", v)

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("dead zone set to %v", v))
}

func getSchedule(c *gin.Context) {
	next, running := sched.Status()
	st := types.ScheduleStatus{
		Spec:   conf.Schedule(),
		Active: running && conf.Schedule() != "" && !next.IsZero(),
	}
	if st.Active {
		st.NextRun = next.Format(time.RFC3339)
	}
	c.IndentedJSON(http.StatusOK, st)
}

func setSchedule(c *gin.Context) {
	var spec string
	if err := c.BindJSON(&spec); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if spec == "" {
		sched.Unschedule()
	} else if err := sched.Schedule(spec); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	conf.SetSchedule(spec)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	publishScheduleChange()

	var msg string
	if spec == "" {
		msg = "automatic calibration disabled"
	} else {
		msg = fmt.Sprintf("automatic calibration scheduled: %s", spec)
	}
	logrus.Info(msg)

	c.IndentedJSON(http.StatusCreated, msg)
}

func postponeSchedule(c *gin.Context) {
	var raw string
	if err := c.BindJSON(&raw); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := sched.Postpone(d); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	msg := fmt.Sprintf("next calibration postponed by %s", d)
	logrus.Info(msg)

	c.IndentedJSON(http.StatusCreated, msg)
}

func skipSchedule(c *gin.Context) {
	if err := sched.Skip(); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	next, _ := sched.Status()
	msg := fmt.Sprintf("next calibration skipped, now scheduled at %s", next.Format(time.RFC3339))
	logrus.Info(msg)

	c.IndentedJSON(http.StatusCreated, msg)
}

func getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

// getEvents streams hub events as server-sent events until the client
// goes away.
func getEvents(c *gin.Context) {
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
