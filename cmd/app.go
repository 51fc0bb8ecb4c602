package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/voicectl/config"
	"github.com/angeloszaimis/voicectl/internal/session"
	"github.com/angeloszaimis/voicectl/pkg/logger"
)

type app struct {
	stdout io.Writer
	stderr io.Writer
	out    *printer

	configFile  string
	sessionOpts []session.Option

	cfg  *config.Config
	log  *slog.Logger
	sess *session.Session
}

func newApp(stdout, stderr io.Writer, opts ...session.Option) *app {
	return &app{
		stdout:      stdout,
		stderr:      stderr,
		out:         newPrinter(stdout, stderr),
		sessionOpts: opts,
	}
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if closeErr := a.close(); err == nil {
		err = closeErr
	}
	if err != nil {
		a.out.fail(err)
		return 1
	}
	return 0
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "voicectl",
		Short:         "Control voice assistant devices from the command line",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default voicectl.yaml in . or the user config dir)")
	flags.String("log-level", config.LogLevelWarn, "log level: debug, info, warn, error")
	flags.Bool("offline", false, "serve reads from the cache without contacting the service")
	flags.String("metrics-textfile", "", "write Prometheus metrics to this file on exit")

	root.AddCommand(
		newDevicesCommand(a),
		newMusicCommand(a),
		newTimersCommand(a),
		newAlarmsCommand(a),
		newRoutinesCommand(a),
		newSmartHomeCommand(a),
		newStatusCommand(a),
		newCacheCommand(a),
	)
	return root
}

// open loads the configuration and builds the session without connecting.
func (a *app) open(cmd *cobra.Command) (*session.Session, error) {
	if a.sess != nil {
		return a.sess, nil
	}

	cfg, err := config.Load(a.configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	a.log = logger.New(cfg.Logging.Level, false, cfg.Environment, a.stderr)

	sess, err := session.New(cfg, a.log, a.sessionOpts...)
	if err != nil {
		return nil, err
	}
	a.sess = sess
	return sess, nil
}

// connect opens the session and connects it. A failed connect is only a
// warning: reads may still be answered from the cache.
func (a *app) connect(cmd *cobra.Command) (*session.Session, error) {
	sess, err := a.open(cmd)
	if err != nil {
		return nil, err
	}
	if err := sess.Connect(cmd.Context()); err != nil {
		a.log.Debug("Connect failed", slog.Any("err", err))
		a.out.warn(fmt.Sprintf("could not connect: %s", describe(err)))
	}
	return sess, nil
}

func (a *app) close() error {
	if a.sess == nil {
		return nil
	}
	return a.sess.Close()
}
