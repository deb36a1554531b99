//go:build !windows

// Package fileutil writes data that must stay private to the current user:
// OAuth tokens, IMAP credentials and the index database directory. On Unix
// this is done with file modes. On Windows an owner-only mode (no group or
// other bits) also installs a DACL for the current user.
package fileutil

import "os"

// SecureMkdirAll creates path and any missing parents. Directories it
// creates get exactly perm, independent of the process umask.
func SecureMkdirAll(path string, perm os.FileMode) error {
	created := missingDirs(path)
	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}
	for _, dir := range created {
		if err := os.Chmod(dir, perm); err != nil {
			return err
		}
	}
	return nil
}

// SecureChmod sets perm on path.
func SecureChmod(path string, perm os.FileMode) error {
	return os.Chmod(path, perm)
}
