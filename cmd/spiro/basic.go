package main

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pneumalabs/spiro/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewRequestDeviceCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "request-device",
		Aliases: []string{"scan"},
		Short:   "Scan for a breath sensor and select it",
		GroupID: gBasic,
		Long: `Scan for a breath sensor and select it as the session peripheral.

Selecting a device does not connect it; run 'spiro connect' afterwards to bring the link up. Selecting a new device resets the calibrated neutral offset, so recalibrate after switching sensors.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.RequestDevice()
			if err != nil {
				return fmt.Errorf("failed to request device: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			return nil
		},
	}
}

func NewConnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "connect",
		Short:   "Connect the selected breath sensor",
		GroupID: gBasic,
		Long: `Connect the selected breath sensor and start polling readings.

The daemon keeps the link alive: if the sensor goes out of range or powers off, it reconnects automatically as soon as the sensor is reachable again.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.Connect()
			if err != nil {
				return fmt.Errorf("failed to connect: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			return nil
		},
	}
}

func NewDisconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "disconnect",
		Short:   "Disconnect the breath sensor",
		GroupID: gBasic,
		Long: `Disconnect the breath sensor.

The device stays selected, so 'spiro connect' brings it back without scanning again.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.Disconnect()
			if err != nil {
				return fmt.Errorf("failed to disconnect: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			return nil
		},
	}
}

func NewCalibrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "calibrate",
		Aliases: []string{"cali"},
		Short:   "Re-measure the sensor's neutral point",
		GroupID: gBasic,
		Long: `Re-measure the sensor's neutral point.

Leave the sensor at rest while spiro averages a short window of readings; the mean becomes the new neutral offset. The command blocks until the window fills, which takes a few seconds at the default polling rate.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			logrus.Info("calibrating, leave the sensor at rest")

			ret, err := apiClient.Calibrate()
			if err != nil {
				return fmt.Errorf("failed to calibrate: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			return nil
		},
	}
}

func NewDeadZoneCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "dead-zone [fraction]",
		Short:   "Get or set the neutral dead zone",
		GroupID: gAdvanced,
		Long: `Get or set the neutral dead zone.

The dead zone is the fraction of the sensor range around the neutral point that is reported as exactly zero, so sensor noise at rest does not register as breathing. It must be at least 0 and below 1. The default of 0.025 suits most sensors; raise it if readings jitter at rest, lower it if gentle breaths go unnoticed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				dz, err := apiClient.GetDeadZone()
				if err != nil {
					return fmt.Errorf("failed to get dead zone: %v", err)
				}
				cmd.Printf("%v\n", dz)
				return nil
			}

			v, err := parseFloatArg(args, "dead zone")
			if err != nil {
				return err
			}

			ret, err := apiClient.SetDeadZone(v)
			if err != nil {
				return fmt.Errorf("failed to set dead zone: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			logrus.Infof("successfully set dead zone to %v", v)

			return nil
		},
	}
}

func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "config",
		Short:   "Show the daemon's current config",
		GroupID: gAdvanced,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := apiClient.GetConfig()
			if err != nil {
				return fmt.Errorf("failed to get config: %v", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(conf)
		},
	}
}
