package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newDevicesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List devices and change their volume",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.connect(cmd)
			if err != nil {
				return err
			}
			devices, src, err := sess.Devices.List(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.list(devices, src)
		},
	}

	var all bool
	volume := &cobra.Command{
		Use:   "volume [device] <level>",
		Short: "Set the volume of one device, or every device with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := strconv.Atoi(args[len(args)-1])
			if err != nil {
				return fmt.Errorf("invalid volume %q", args[len(args)-1])
			}

			sess, err := a.connect(cmd)
			if err != nil {
				return err
			}

			if all {
				if err := sess.Devices.SetVolumeAll(cmd.Context(), level); err != nil {
					return err
				}
				return a.out.done("volume", "all")
			}

			device, err := sess.Devices.Find(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := sess.Devices.SetVolume(cmd.Context(), device, level); err != nil {
				return err
			}
			return a.out.done("volume", device.Name)
		},
	}
	volume.Flags().BoolVar(&all, "all", false, "apply to every online device")

	cmd.AddCommand(list, volume)
	return cmd
}
