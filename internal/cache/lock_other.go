//go:build !unix

package cache

const lockFileName = ".lock"

// lockDir is a no-op where flock is unavailable; atomic renames still keep
// individual entries intact.
func lockDir(string) (func(), error) {
	return func() {}, nil
}
