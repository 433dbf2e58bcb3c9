package main

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pneumalabs/spiro/pkg/ble"
	"github.com/pneumalabs/spiro/pkg/breath"
	"github.com/pneumalabs/spiro/pkg/daemon"
	"github.com/pneumalabs/spiro/pkg/version"
)

var (
	// alwaysAllowNonRootAccess indicates whether to always allow non-root users to access the spiro daemon.
	alwaysAllowNonRootAccess = false
	// fakePeripheral swaps the platform BLE stack for a simulated sensor.
	fakePeripheral = false
)

// NewDaemonCommand .
func NewDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "daemon",
		Short:   "Run spiro daemon in the foreground",
		GroupID: gAdvanced,
		RunE: func(_ *cobra.Command, _ []string) error {
			logrus.WithFields(logrus.Fields{
				"version": version.Version,
				"commit":  version.GitCommit,
			}).Info("spiro daemon starting")

			var provider ble.Provider = ble.NewAdapter()
			if fakePeripheral {
				logrus.Info("serving a simulated peripheral, no BLE hardware will be used")
				provider = fakeProvider()
			}

			return daemon.Run(configPath, unixSocketPath, alwaysAllowNonRootAccess, provider)
		},
	}

	f := cmd.Flags()

	f.BoolVar(&alwaysAllowNonRootAccess, "always-allow-non-root-access", false,
		"Always allow non-root users to access the daemon.")
	f.BoolVar(&fakePeripheral, "fake", false,
		"Serve a simulated breath sensor instead of scanning for real hardware.")

	return cmd
}

// fakeProvider builds an in-memory peripheral that answers every breath
// request with a slow sine wave around a slightly miscentered neutral
// point, so calibration has something to correct.
func fakeProvider() ble.Provider {
	dev := ble.NewFakeDevice("spiro-fake", breath.ServiceUUID, breath.CharacteristicUUID)
	start := time.Now()
	dev.Characteristic().RespondWith(func([]byte) []byte {
		t := time.Since(start).Seconds()
		raw := float64(breath.Range) + 40 + 400*math.Sin(2*math.Pi*t/5)
		return append(breath.EncodeFrame(int(raw)), '\r', '\n')
	})
	return ble.NewFakeProvider(dev)
}
