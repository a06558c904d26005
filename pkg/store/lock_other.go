//go:build !unix

package store

// lockFile is a no-op where flock(2) is unavailable; writers in one process
// are still serialized by the store's mutex.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
