package main

import (
	"github.com/spf13/cobra"

	"github.com/angeloszaimis/voicectl/internal/cache"
)

type cacheReport struct {
	Dir     string         `json:"dir"`
	Entries map[string]int `json:"entries"`
	Stats   cache.Stats    `json:"stats"`
}

type pruneReport struct {
	Removed int `json:"removed"`
}

func newCacheCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the response cache",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show cached records per namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.open(cmd)
			if err != nil {
				return err
			}
			store := sess.Cache()
			entries, err := store.DiskEntries()
			if err != nil {
				return err
			}
			return a.out.json(cacheReport{Dir: store.Dir(), Entries: entries, Stats: store.Stats()})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.open(cmd)
			if err != nil {
				return err
			}
			if err := sess.Cache().InvalidateAll(); err != nil {
				return err
			}
			return a.out.done("clear", sess.Cache().Dir())
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove expired records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.open(cmd)
			if err != nil {
				return err
			}
			removed, err := sess.Cache().Prune()
			if err != nil {
				return err
			}
			return a.out.json(pruneReport{Removed: removed})
		},
	}

	cmd.AddCommand(stats, clearCmd, prune)
	return cmd
}
