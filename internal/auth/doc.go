// Package auth supplies session credentials for API calls and refreshes
// them when the service rejects them.
//
// Credentials are read from a Netscape-format cookie file on every call, so
// a refresh performed by another process is picked up without restarting.
// The CSRF token is taken from the csrf cookie in the same file, which
// keeps the cookie file the single source of truth for both headers.
package auth
