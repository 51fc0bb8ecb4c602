// Package logger builds the slog logger used across voicectl. Production
// runs emit JSON records; other environments use the text handler. Logs go
// to the writer given by the caller, stderr for the CLI, so that command
// output on stdout stays machine readable.
package logger
