package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pneumalabs/spiro/pkg/client"
	"github.com/pneumalabs/spiro/pkg/events"
)

func NewWatchCommand() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "watch",
		GroupID: gBasic,
		Short:   "Stream live readings and session events",
		Long: `Stream live readings and session events from the daemon until interrupted.

Breath readings are drawn in place as a signed meter on a -1 to 1 scale. State changes, calibrations, and errors are printed as they happen.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ws, err := apiClient.Stream(ctx)
			if err != nil {
				return fmt.Errorf("failed to open event stream: %w", err)
			}
			defer ws.Close()

			// Unblock the pending read when the user interrupts.
			go func() {
				<-ctx.Done()
				ws.Close()
			}()

			p := &eventPrinter{}
			for {
				var msg client.StreamMessage
				if err := ws.ReadJSON(&msg); err != nil {
					p.endMeter(cmd)
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("stream closed: %w", err)
				}

				if jsonOutput {
					b, err := json.Marshal(msg)
					if err != nil {
						continue
					}
					cmd.Println(string(b))
					continue
				}
				p.print(cmd, msg)
			}
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print events as JSON lines")

	return cmd
}

// eventPrinter renders the event stream. Breath readings overwrite one
// meter line in place; any other event first terminates that line.
type eventPrinter struct {
	meterLine bool
}

func (p *eventPrinter) endMeter(cmd *cobra.Command) {
	if p.meterLine {
		cmd.Println()
		p.meterLine = false
	}
}

func (p *eventPrinter) print(cmd *cobra.Command, msg client.StreamMessage) {
	ev := events.Event{Name: msg.Event, Data: msg.Data}

	if msg.Event != events.Breath {
		p.endMeter(cmd)
	}

	switch msg.Event {
	case events.Breath:
		payload, err := events.DecodeAs[events.BreathEvent](ev)
		if err != nil {
			return
		}
		cmd.Printf("\r%s %+.3f ", meter(payload.Value, 21), payload.Value)
		p.meterLine = true
	case events.ReadyStateChange:
		payload, err := events.DecodeAs[events.ReadyStateChangeEvent](ev)
		if err != nil {
			return
		}
		if payload.Device != "" {
			cmd.Printf("state: %s (%s)\n", stateText(payload.State), payload.Device)
		} else {
			cmd.Printf("state: %s\n", stateText(payload.State))
		}
	case events.CalibrationStateChange:
		payload, err := events.DecodeAs[events.CalibrationStateChangeEvent](ev)
		if err != nil {
			return
		}
		if payload.Calibrating {
			cmd.Println("calibration started, leave the sensor at rest")
		} else {
			cmd.Printf("calibration finished, neutral offset is now %d\n", payload.Offset)
		}
	case events.CalibrationUpcoming:
		payload, err := events.DecodeAs[events.CalibrationUpcomingEvent](ev)
		if err != nil {
			return
		}
		runAt := payload.RunAt
		if t, err := time.Parse(time.RFC3339, payload.RunAt); err == nil {
			runAt = t.Local().Format(time.DateTime)
		}
		cmd.Println(color.YellowString("scheduled calibration will run at %s", runAt))
	case events.CalibrationScheduled:
		payload, err := events.DecodeAs[events.CalibrationScheduledEvent](ev)
		if err != nil {
			return
		}
		if payload.Spec == "" {
			cmd.Println("automatic calibration disabled")
		} else {
			cmd.Printf("automatic calibration scheduled: %s\n", payload.Spec)
		}
	case events.SessionError:
		payload, err := events.DecodeAs[events.SessionErrorEvent](ev)
		if err != nil {
			return
		}
		cmd.Println(color.RedString("error: %s", payload.Message))
	default:
		cmd.Printf("%s: %s\n", msg.Event, msg.Data)
	}
}

// meter renders v in [-1, 1] as a fixed-width bar around a center mark.
func meter(v float64, width int) string {
	if width%2 == 0 {
		width++
	}
	half := width / 2
	pos := half + int(math.Round(v*float64(half)))
	if pos < 0 {
		pos = 0
	}
	if pos >= width {
		pos = width - 1
	}
	b := []byte(strings.Repeat("-", width))
	b[half] = '|'
	b[pos] = '#'
	return "[" + string(b) + "]"
}
