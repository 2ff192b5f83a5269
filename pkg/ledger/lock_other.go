//go:build !darwin && !linux

package ledger

// lockFile is a no-op where flock is unavailable; writers on these
// platforms are only serialized within one process.
func lockFile(string) (func() error, error) {
	return func() error { return nil }, nil
}
