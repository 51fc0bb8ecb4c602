package auth

import (
	"context"
	"errors"
)

var (
	ErrNoCredentials = errors.New("no session credentials available")
	ErrRefreshFailed = errors.New("credential refresh failed")
)

// Credentials are the values sent with every API call.
type Credentials struct {
	Cookie    string
	CSRFToken string
}

// CredentialsProvider returns the current session headers.
type CredentialsProvider interface {
	SessionHeaders(ctx context.Context) (Credentials, error)
}

// Refresher renews the session after the service rejected it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Static is a CredentialsProvider with fixed values.
type Static Credentials

func (s Static) SessionHeaders(context.Context) (Credentials, error) {
	if s.Cookie == "" {
		return Credentials{}, ErrNoCredentials
	}
	return Credentials(s), nil
}
