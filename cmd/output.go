package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/angeloszaimis/voicectl/internal/auth"
	"github.com/angeloszaimis/voicectl/internal/dispatch"
	"github.com/angeloszaimis/voicectl/internal/healthcheck"
	"github.com/angeloszaimis/voicectl/internal/managers"
)

type printer struct {
	stdout io.Writer
	stderr io.Writer

	errorStyle lipgloss.Style
	warnStyle  lipgloss.Style
}

func newPrinter(stdout, stderr io.Writer) *printer {
	r := lipgloss.NewRenderer(stderr)
	return &printer{
		stdout:     stdout,
		stderr:     stderr,
		errorStyle: r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		warnStyle:  r.NewStyle().Foreground(lipgloss.Color("11")),
	}
}

// listing is the envelope for every read command.
type listing struct {
	Items  any             `json:"items"`
	Source managers.Source `json:"source"`
}

type done struct {
	OK     bool   `json:"ok"`
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) list(items any, src managers.Source) error {
	p.source(src)
	return p.json(listing{Items: items, Source: src})
}

func (p *printer) done(action, target string) error {
	return p.json(done{OK: true, Action: action, Target: target})
}

// source warns when cached data was served instead of a live answer.
func (p *printer) source(src managers.Source) {
	switch {
	case src.Reason != nil:
		p.warn(src.Reason.Kind.FallbackMessage())
	case src.Expired:
		p.warn("showing expired cached data")
	}
}

func (p *printer) warn(msg string) {
	fmt.Fprintln(p.stderr, p.warnStyle.Render("warning: "+msg))
}

func (p *printer) fail(err error) {
	fmt.Fprintln(p.stderr, p.errorStyle.Render("error:")+" "+describe(err))
}

// describe turns an error into the short message shown to users.
func describe(err error) string {
	var callErr *dispatch.Error
	if errors.As(err, &callErr) {
		msg := callErr.Kind.Message()
		if callErr.Kind == dispatch.RateLimited && callErr.RetryAfter > 0 {
			msg += fmt.Sprintf(" (retry in %s)", callErr.RetryAfter)
		}
		return msg
	}

	switch {
	case errors.Is(err, auth.ErrNoCredentials):
		return "no session cookies found, log in and export cookies first"
	case errors.Is(err, healthcheck.ErrProbeRejected), errors.Is(err, auth.ErrRefreshFailed):
		return dispatch.AuthExpired.Message()
	}
	return err.Error()
}
