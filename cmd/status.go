package main

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/voicectl/internal/httpserver"
)

func newStatusCommand(a *app) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection, breaker and cache state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.connect(cmd)
			if err != nil {
				return err
			}
			if err := a.out.json(sess.Status()); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			ctx := cmd.Context()
			sess.StartMonitor(ctx)

			if addr := a.cfg.Metrics.ListenAddr; addr != "" {
				srv, err := httpserver.New(addr, httpserver.Handler(sess.Registry(), func() any { return sess.Status() }), a.log)
				if err != nil {
					return err
				}
				if err := srv.Listen(); err != nil {
					return err
				}
				go func() {
					if err := srv.Serve(ctx); err != nil {
						a.log.Error("Metrics server failed", slog.Any("err", err))
					}
				}()
			}

			ticker := time.NewTicker(a.cfg.Monitor.IntervalDuration())
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := a.out.json(sess.Status()); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep reconnecting and print status every monitor interval")
	cmd.Flags().String("metrics-addr", "", "with --watch, serve /metrics and /status on this address")
	return cmd
}
