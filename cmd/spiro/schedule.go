package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage the automatic calibration schedule",
		Long: `Manage the automatic calibration schedule.

The schedule command can be used in multiple ways:
  spiro schedule 'minute hour day month weekday' Set schedule with cron expression
  spiro schedule disable                         Disable the schedule
  spiro schedule postpone [duration]             Postpone next run
  spiro schedule skip                            Skip next run
  spiro schedule show                            Show current schedule

A scheduled run only starts while the sensor is connected; otherwise the daemon retries for a few minutes and then drops that run.`,
		Example: `  spiro schedule '0 8 * * *'  (At 08:00 every day)
  spiro schedule '0 8 * * 1'  (At 08:00 on Monday)
  spiro schedule '@every 12h' (Every 12 hours)`,
		GroupID: gAdvanced,
		RunE: func(cmd *cobra.Command, args []string) error {
			// If no arguments, show the current schedule
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			// Otherwise, treat as a cron expression to set
			return runScheduleSet(cmd, args[0])
		},
	}

	cmd.AddCommand(
		newScheduleDisableCommand(),
		newSchedulePostponeCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable the calibration schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleDisable(cmd)
		},
	}
}

func newSchedulePostponeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next scheduled calibration run",
		Example: `  spiro schedule postpone      (Postpone by 1 hour)
  spiro schedule postpone 90m  (Postpone by 90 minutes)
  spiro schedule postpone 2h   (Postpone by 2 hours)`,
		Long: `Postpone the next scheduled calibration run by a specified duration.
If no duration is provided, defaults to 1 hour.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}
			return runSchedulePostpone(cmd, d)
		},
	}
}

func newScheduleSkipCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled calibration run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleSkip(cmd)
		},
	}
}

func newScheduleShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current calibration schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleShow(cmd)
		},
	}
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	ret, err := apiClient.SetSchedule(cronExpr)
	if err != nil {
		return err
	}
	if ret != "" {
		logrus.Infof("daemon responded: %s", ret)
	}
	cmd.Println("Calibration schedule set.")
	return nil
}

func runScheduleDisable(cmd *cobra.Command) error {
	if _, err := apiClient.SetSchedule(""); err != nil {
		return err
	}
	cmd.Println("Calibration schedule disabled.")
	return nil
}

func runSchedulePostpone(cmd *cobra.Command, duration time.Duration) error {
	if _, err := apiClient.PostponeSchedule(duration); err != nil {
		return err
	}
	cmd.Printf("Next run postponed by %s.\n", duration)
	return nil
}

func runScheduleSkip(cmd *cobra.Command) error {
	if _, err := apiClient.SkipSchedule(); err != nil {
		return err
	}
	cmd.Println("Next scheduled run skipped.")
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	st, err := apiClient.GetSchedule()
	if err != nil {
		return err
	}
	if !st.Active {
		cmd.Println("Calibration schedule is not set.")
		return nil
	}
	cmd.Printf("Schedule: %s\n", st.Spec)
	if next, err := time.Parse(time.RFC3339, st.NextRun); err == nil {
		cmd.Printf("Next run: %s\n", next.Local().Format(time.DateTime))
	} else {
		cmd.Printf("Next run: %s\n", st.NextRun)
	}
	return nil
}
