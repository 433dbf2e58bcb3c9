package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/pneumalabs/spiro/pkg/config"
)

type statusJSON struct {
	Session       statusSessionJSON     `json:"session"`
	Breath        statusBreathJSON      `json:"breath"`
	Calibration   statusCalibrationJSON `json:"calibration"`
	Configuration statusConfigJSON      `json:"configuration"`
}

type statusSessionJSON struct {
	State       string  `json:"state"`
	DeviceName  string  `json:"deviceName,omitempty"`
	ReadingRate float64 `json:"readingRatePerSecond"`
}

type statusBreathJSON struct {
	// Value is omitted until the first reading of the current link arrives.
	Value    *float64 `json:"value,omitempty"`
	HasValue bool     `json:"hasValue"`
}

type statusCalibrationJSON struct {
	Calibrating bool                       `json:"calibrating"`
	Offset      int                        `json:"neutralOffset"`
	DeadZone    float64                    `json:"deadZone"`
	Schedule    statusCalibrationSchedJSON `json:"schedule"`
}

type statusCalibrationSchedJSON struct {
	Enabled bool   `json:"enabled"`
	Cron    string `json:"cron,omitempty"`
	NextRun string `json:"nextRun,omitempty"`
}

type statusConfigJSON struct {
	TickIntervalMillis  int    `json:"tickIntervalMillis"`
	RetryIntervalMillis int    `json:"retryIntervalMillis"`
	CalibrationSamples  int    `json:"calibrationSamples"`
	AllowNonRootAccess  bool   `json:"allowNonRootAccess"`
	MQTTBroker          string `json:"mqttBroker,omitempty"`
	MQTTTopic           string `json:"mqttTopic,omitempty"`
}

func printStatusJSON(cmd *cobra.Command, data *statusData) error {
	cfg := config.NewFileFromConfig(data.config, "")
	st := data.status

	var value *float64
	if st.HasValue {
		v := st.BreathValue
		value = &v
	}

	out := statusJSON{
		Session: statusSessionJSON{
			State:       st.State,
			DeviceName:  st.DeviceName,
			ReadingRate: st.ReadingRate,
		},
		Breath: statusBreathJSON{
			Value:    value,
			HasValue: st.HasValue,
		},
		Calibration: statusCalibrationJSON{
			Calibrating: st.Calibrating,
			Offset:      st.Offset,
			DeadZone:    st.DeadZone,
			Schedule: statusCalibrationSchedJSON{
				Enabled: data.schedule.Active,
				Cron:    data.schedule.Spec,
				NextRun: data.schedule.NextRun,
			},
		},
		Configuration: statusConfigJSON{
			TickIntervalMillis:  int(cfg.TickInterval().Milliseconds()),
			RetryIntervalMillis: int(cfg.RetryInterval().Milliseconds()),
			CalibrationSamples:  cfg.CalibrationSamples(),
			AllowNonRootAccess:  cfg.AllowNonRootAccess(),
			MQTTBroker:          cfg.MQTTBroker(),
			MQTTTopic:           cfg.MQTTTopic(),
		},
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
