// Package connstate tracks the session's connectivity state and decides
// whether outbound API calls may be issued.
//
// The machine starts in Disconnected and ends in ShuttingDown. Every change
// goes through an explicit transition table; illegal moves are reported and
// leave the current state untouched. Callers own retry policy: the machine
// never transitions on its own.
package connstate
