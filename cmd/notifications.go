package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTimersCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timers",
		Short: "List, set and cancel timers",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List active timers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.connect(cmd)
			if err != nil {
				return err
			}
			timers, src, err := sess.Notifications.Timers(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.list(timers, src)
		},
	}

	var label string
	set := &cobra.Command{
		Use:   "set <device> <duration>",
		Short: "Start a timer, for example: timers set kitchen 10m",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.ParseDuration(args[1])
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid duration %q", args[1])
			}

			sess, err := a.connect(cmd)
			if err != nil {
				return err
			}
			device, err := sess.Devices.Find(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := sess.Notifications.SetTimer(cmd.Context(), device, d, label); err != nil {
				return err
			}
			return a.out.done("timer", device.Name)
		},
	}
	set.Flags().StringVar(&label, "label", "", "timer label")

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a timer or alarm by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.connect(cmd)
			if err != nil {
				return err
			}
			if err := sess.Notifications.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.out.done("cancel", args[0])
		},
	}

	cmd.AddCommand(list, set, cancel)
	return cmd
}

func newAlarmsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alarms",
		Short: "List and set alarms",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List alarms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.connect(cmd)
			if err != nil {
				return err
			}
			alarms, src, err := sess.Notifications.Alarms(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.list(alarms, src)
		},
	}

	set := &cobra.Command{
		Use:   "set <device> <time>",
		Short: "Set an alarm at HH:MM (next occurrence) or an RFC 3339 time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseAlarmTime(args[1], time.Now())
			if err != nil {
				return err
			}

			sess, err := a.connect(cmd)
			if err != nil {
				return err
			}
			device, err := sess.Devices.Find(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := sess.Notifications.SetAlarm(cmd.Context(), device, at); err != nil {
				return err
			}
			return a.out.done("alarm", device.Name)
		},
	}

	cmd.AddCommand(list, set)
	return cmd
}

// parseAlarmTime accepts a clock time, resolved to its next occurrence after
// now, or an absolute RFC 3339 timestamp.
func parseAlarmTime(value string, now time.Time) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, value); err == nil {
		return at, nil
	}

	clock, err := time.ParseInLocation("15:04", value, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid alarm time %q, use HH:MM or RFC 3339", value)
	}

	at := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, now.Location())
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at, nil
}
