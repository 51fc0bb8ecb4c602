package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	DefaultRefreshTimeout = 60 * time.Second
	CookieFileEnv         = "VOICECTL_COOKIE_FILE"
)

// ScriptRefresher renews the session by running an external command that
// rewrites the cookie file.
type ScriptRefresher struct {
	command    []string
	cookieFile string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewScriptRefresher splits command on whitespace; no shell is involved.
func NewScriptRefresher(command, cookieFile string, timeout time.Duration, logger *slog.Logger) *ScriptRefresher {
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptRefresher{
		command:    strings.Fields(command),
		cookieFile: cookieFile,
		timeout:    timeout,
		logger:     logger,
	}
}

func (r *ScriptRefresher) Refresh(ctx context.Context) error {
	if len(r.command) == 0 {
		return fmt.Errorf("%w: no refresh command configured", ErrRefreshFailed)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, r.command[0], r.command[1:]...)
	cmd.Env = append(os.Environ(), CookieFileEnv+"="+r.cookieFile)
	cmd.WaitDelay = time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %s timed out after %s", ErrRefreshFailed, r.command[0], r.timeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%w: %s: %v", ErrRefreshFailed, r.command[0], err)
		}
		return fmt.Errorf("%w: %s: %v: %s", ErrRefreshFailed, r.command[0], err, msg)
	}

	r.logger.Info("session refreshed", "command", r.command[0], "duration", time.Since(start))
	return nil
}
