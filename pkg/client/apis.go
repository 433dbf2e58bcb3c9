package client

import (
	"encoding/json"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/pneumalabs/spiro/pkg/config"
	"github.com/pneumalabs/spiro/pkg/types"
)

// StreamMessage is one event from the daemon's websocket stream.
type StreamMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (c *Client) GetStatus() (*types.Status, error) {
	ret, err := c.Get("/state")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get session state")
	}

	var st types.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal session state")
	}

	return &st, nil
}

func (c *Client) RequestDevice() (string, error) {
	return c.Post("/request-device", "")
}

func (c *Client) Connect() (string, error) {
	return c.Post("/connect", "")
}

func (c *Client) Disconnect() (string, error) {
	return c.Post("/disconnect", "")
}

func (c *Client) Calibrate() (string, error) {
	return c.Post("/calibrate", "")
}

func (c *Client) GetDeadZone() (float64, error) {
	ret, err := c.Get("/dead-zone")
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to get dead zone")
	}

	dz, err := strconv.ParseFloat(ret, 64)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to parse dead zone response")
	}
	return dz, nil
}

func (c *Client) SetDeadZone(v float64) (string, error) {
	return c.Put("/dead-zone", strconv.FormatFloat(v, 'f', -1, 64))
}

func (c *Client) GetSchedule() (*types.ScheduleStatus, error) {
	ret, err := c.Get("/schedule")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get calibration schedule")
	}

	var st types.ScheduleStatus
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal calibration schedule")
	}

	return &st, nil
}

// SetSchedule installs a cron spec, or disables automatic calibration when
// spec is empty.
func (c *Client) SetSchedule(spec string) (string, error) {
	payload, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	return c.Put("/schedule", string(payload))
}

func (c *Client) PostponeSchedule(d time.Duration) (string, error) {
	payload, err := json.Marshal(d.String())
	if err != nil {
		return "", err
	}
	return c.Post("/schedule/postpone", string(payload))
}

func (c *Client) SkipSchedule() (string, error) {
	return c.Post("/schedule/skip", "")
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}

	return &conf, nil
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	// Remove "" around JSON string. I don't want to use a JSON decoder just for this.
	ret = ret[1 : len(ret)-1] // remove the surrounding quotes
	return ret, nil
}
