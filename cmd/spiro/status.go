package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pneumalabs/spiro/pkg/client"
	"github.com/pneumalabs/spiro/pkg/config"
	"github.com/pneumalabs/spiro/pkg/session"
	"github.com/pneumalabs/spiro/pkg/types"
)

type statusData struct {
	status   *types.Status
	schedule *types.ScheduleStatus
	config   *config.RawFileConfig
}

var apiClient = client.NewClient("/var/run/spiro.sock")

// fetchStatusData gathers all data required for the status command from the daemon.
func fetchStatusData() (*statusData, error) {
	st, err := apiClient.GetStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to get session state: %w", err)
	}

	sched, err := apiClient.GetSchedule()
	if err != nil {
		return nil, fmt.Errorf("failed to get calibration schedule: %w", err)
	}

	conf, err := apiClient.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	return &statusData{
		status:   st,
		schedule: sched,
		config:   conf,
	}, nil
}

func NewStatusCommand() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of spiro",
		Long:    `Get session state, the latest reading, calibration, and configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Get various info first.
			data, err := fetchStatusData()
			if err != nil {
				return err
			}

			if jsonOutput {
				return printStatusJSON(cmd, data)
			}

			conf := config.NewFileFromConfig(data.config, "")
			st := data.status

			// Session.
			cmd.Println(bold("Session:"))
			cmd.Printf("  State: %s\n", stateText(st.State))
			if st.DeviceName != "" {
				cmd.Printf("  Device: %s\n", bold("%s", st.DeviceName))
			} else {
				cmd.Println("  Device: none selected. Run \"spiro request-device\" to pick one.")
			}
			if st.State == session.Ready.String() {
				cmd.Printf("  Reading rate: %s\n", bold("%.1f/s", st.ReadingRate))
			}

			cmd.Println()

			// Latest reading.
			cmd.Println(bold("Breath:"))
			if st.HasValue {
				cmd.Printf("  Value: %s (on a -1 to 1 scale)\n", bold("%+.3f", st.BreathValue))
			} else {
				cmd.Println("  Value: no reading yet")
			}

			cmd.Println()

			// Calibration.
			cmd.Println(bold("Calibration:"))
			cmd.Printf("  Calibrating now: %s\n", bool2Text(st.Calibrating))
			cmd.Printf("  Neutral offset: %s\n", bold("%d", st.Offset))
			cmd.Printf("  Dead zone: %s\n", bold("%v", st.DeadZone))
			if data.schedule.Active {
				cmd.Printf("  Schedule: %s (next run %s)\n", bold("%s", data.schedule.Spec), data.schedule.NextRun)
			} else {
				cmd.Println("  Schedule: " + bool2Text(false))
			}

			cmd.Println()

			// Config.
			cmd.Println(bold("Configuration:"))
			cmd.Printf("  Poll interval: %s\n", bold("%s", conf.TickInterval()))
			cmd.Printf("  Reconnect interval: %s\n", bold("%s", conf.RetryInterval()))
			cmd.Printf("  Calibration window: %s samples\n", bold("%d", conf.CalibrationSamples()))
			cmd.Printf("  Allow non-root users to access the daemon: %s\n", bool2Text(conf.AllowNonRootAccess()))
			if broker := conf.MQTTBroker(); broker != "" {
				cmd.Printf("  MQTT: %s (topic %s)\n", bold("%s", broker), bold("%s", conf.MQTTTopic()))
			} else {
				cmd.Println("  MQTT: " + bool2Text(false))
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print status as JSON")

	return cmd
}

func stateText(state string) string {
	st, err := session.ParseReadyState(state)
	if err != nil {
		// A state this build does not know about, likely a daemon from a
		// newer version.
		return bold("%s", state)
	}
	switch st {
	case session.Ready:
		return color.New(color.Bold, color.FgGreen).Sprint(state)
	case session.Connecting, session.RequestingDevice:
		return color.New(color.Bold, color.FgYellow).Sprint(state)
	case session.NoDevice:
		return color.New(color.Bold, color.FgRed).Sprint(state)
	default:
		return bold("%s", state)
	}
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
