package main

import (
	"github.com/spf13/cobra"
)

func newRoutinesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routines",
		Short: "List and run routines",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List routines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.connect(cmd)
			if err != nil {
				return err
			}
			routines, src, err := sess.Routines.List(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.list(routines, src)
		},
	}

	runCmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Run a routine by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.connect(cmd)
			if err != nil {
				return err
			}
			if err := sess.Routines.Run(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.out.done("run", args[0])
		},
	}

	cmd.AddCommand(list, runCmd)
	return cmd
}
