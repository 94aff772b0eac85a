//go:build !unix

package nas

// lockFile is a no-op where flock is unavailable; only the in-process lock
// applies there.
func lockFile(string) (func() error, error) {
	return func() error { return nil }, nil
}
