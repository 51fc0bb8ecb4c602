package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/voicectl/internal/managers"
)

type (
	playerFunc   func(context.Context, managers.Device) error
	playerAction func(*managers.Player) playerFunc
)

func newMusicCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "music",
		Short: "Inspect and control playback",
	}

	status := &cobra.Command{
		Use:   "status <device>",
		Short: "Show the player state of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.connect(cmd)
			if err != nil {
				return err
			}
			device, err := sess.Devices.Find(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			state, src, err := sess.Player.State(cmd.Context(), device)
			if err != nil {
				return err
			}
			return a.out.list(state, src)
		},
	}

	transport := func(use, short string, action playerAction) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <device>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := a.connect(cmd)
				if err != nil {
					return err
				}
				device, err := sess.Devices.Find(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := action(sess.Player)(cmd.Context(), device); err != nil {
					return err
				}
				return a.out.done(use, device.Name)
			},
		}
	}

	var provider string
	search := &cobra.Command{
		Use:   "search <device> <phrase>...",
		Short: "Search a music provider and play the result",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.connect(cmd)
			if err != nil {
				return err
			}
			device, err := sess.Devices.Find(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			phrase := strings.Join(args[1:], " ")
			if err := sess.Player.PlaySearch(cmd.Context(), device, phrase, provider); err != nil {
				return err
			}
			return a.out.done("search", device.Name)
		},
	}
	search.Flags().StringVar(&provider, "provider", "", "music provider id (default AMAZON_MUSIC)")

	cmd.AddCommand(
		status,
		transport("play", "Resume playback", func(p *managers.Player) playerFunc { return p.Play }),
		transport("pause", "Pause playback", func(p *managers.Player) playerFunc { return p.Pause }),
		transport("next", "Skip to the next track", func(p *managers.Player) playerFunc { return p.Next }),
		transport("prev", "Go back to the previous track", func(p *managers.Player) playerFunc { return p.Previous }),
		search,
	)
	return cmd
}
