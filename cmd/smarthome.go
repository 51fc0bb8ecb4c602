package main

import (
	"github.com/spf13/cobra"
)

func newSmartHomeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smarthome",
		Short: "List and switch smart home devices",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List smart home entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.connect(cmd)
			if err != nil {
				return err
			}
			entities, src, err := sess.SmartHome.List(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.list(entities, src)
		},
	}

	power := func(use, short string, on bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <name>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := a.connect(cmd)
				if err != nil {
					return err
				}
				turn := sess.SmartHome.TurnOff
				if on {
					turn = sess.SmartHome.TurnOn
				}
				if err := turn(cmd.Context(), args[0]); err != nil {
					return err
				}
				return a.out.done(use, args[0])
			},
		}
	}

	cmd.AddCommand(list,
		power("on", "Turn an entity on", true),
		power("off", "Turn an entity off", false),
	)
	return cmd
}

