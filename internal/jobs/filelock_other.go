//go:build !unix

package jobs

import "os"

// No advisory locking outside unix; the store still works but does not detect a
// second process sharing the file.
func lockFile(f *os.File) error {
	return nil
}

func unlockFile(f *os.File) error {
	return nil
}
