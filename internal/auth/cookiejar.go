package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	CSRFCookieName = "csrf"
	httpOnlyPrefix = "#HttpOnly_"
)

type Cookie struct {
	Domain string
	// IncludeSubdomains is the file's second column; a leading dot on
	// Domain implies it too.
	IncludeSubdomains bool
	Path              string
	Secure            bool
	Expires           time.Time
	Name              string
	Value             string
}

// Matches reports whether the cookie may be sent to u.
func (c Cookie) Matches(u *url.URL) bool {
	if c.Secure && !strings.EqualFold(u.Scheme, "https") {
		return false
	}
	return c.matchesHost(strings.ToLower(u.Hostname())) && c.matchesPath(u.Path)
}

func (c Cookie) matchesHost(host string) bool {
	domain := strings.ToLower(c.Domain)
	subdomains := c.IncludeSubdomains || strings.HasPrefix(domain, ".")
	domain = strings.TrimPrefix(domain, ".")
	if domain == "" {
		return false
	}
	if host == domain {
		return true
	}
	return subdomains && strings.HasSuffix(host, "."+domain)
}

// matchesPath accepts cookies scoped above the base path or below it, since
// endpoints are resolved underneath the base path.
func (c Cookie) matchesPath(base string) bool {
	path := c.Path
	if path == "" || path == "/" {
		return true
	}
	if base == "" {
		base = "/"
	}
	return pathWithin(base, path) || pathWithin(path, base)
}

// pathWithin reports whether p equals prefix or sits under it.
func pathWithin(p, prefix string) bool {
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	return len(p) == len(prefix) || strings.HasSuffix(prefix, "/") || p[len(prefix)] == '/'
}

// CookieJarProvider reads credentials from a Netscape cookie file.
type CookieJarProvider struct {
	path   string
	target *url.URL
	now    func() time.Time
}

type CookieJarOption func(*CookieJarProvider)

func WithClock(now func() time.Time) CookieJarOption {
	return func(p *CookieJarProvider) { p.now = now }
}

// WithTarget limits the cookies sent to those matching u by domain, path
// and scheme. Without a target every live cookie is sent.
func WithTarget(u *url.URL) CookieJarOption {
	return func(p *CookieJarProvider) { p.target = u }
}

func NewCookieJarProvider(path string, opts ...CookieJarOption) *CookieJarProvider {
	p := &CookieJarProvider{path: path, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *CookieJarProvider) Path() string {
	return p.path
}

// SessionHeaders re-reads the cookie file and builds the Cookie header,
// skipping expired cookies and cookies that do not match the target.
func (p *CookieJarProvider) SessionHeaders(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}

	cookies, err := ReadCookieFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, fmt.Errorf("%w: cookie file %s not found", ErrNoCredentials, p.path)
	}
	if err != nil {
		return Credentials{}, err
	}

	now := p.now()
	var (
		pairs []string
		creds Credentials
	)
	for _, c := range cookies {
		if !c.Expires.IsZero() && !c.Expires.After(now) {
			continue
		}
		if p.target != nil && !c.Matches(p.target) {
			continue
		}
		pairs = append(pairs, c.Name+"="+c.Value)
		if c.Name == CSRFCookieName {
			creds.CSRFToken = c.Value
		}
	}
	if len(pairs) == 0 {
		return Credentials{}, fmt.Errorf("%w: no live cookies for %s in %s", ErrNoCredentials, p.targetHost(), p.path)
	}

	creds.Cookie = strings.Join(pairs, "; ")
	return creds, nil
}

func (p *CookieJarProvider) targetHost() string {
	if p.target == nil {
		return "any host"
	}
	return p.target.Host
}

// ReadCookieFile parses a Netscape cookie file. Malformed lines are skipped.
func ReadCookieFile(path string) ([]Cookie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cookies []Cookie
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, httpOnlyPrefix)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			continue
		}

		c := Cookie{
			Domain:            fields[0],
			IncludeSubdomains: strings.EqualFold(fields[1], "TRUE"),
			Path:              fields[2],
			Secure:            strings.EqualFold(fields[3], "TRUE"),
			Name:              fields[5],
			Value:             fields[6],
		}
		if exp, err := strconv.ParseInt(fields[4], 10, 64); err == nil && exp > 0 {
			c.Expires = time.Unix(exp, 0)
		}
		cookies = append(cookies, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	return cookies, nil
}
