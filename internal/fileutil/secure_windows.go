//go:build windows

package fileutil

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/windows"
)

// SecureMkdirAll creates path and any missing parents. With an owner-only
// perm every directory it creates gets a protected DACL for the current user.
func SecureMkdirAll(path string, perm os.FileMode) error {
	var created []string
	if ownerOnly(perm) {
		created = missingDirs(path)
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}
	for _, dir := range created {
		restrictOrWarn(dir, true)
	}
	return nil
}

// SecureChmod sets perm on path. An owner-only perm also replaces the DACL.
func SecureChmod(path string, perm os.FileMode) error {
	if err := os.Chmod(path, perm); err != nil {
		return err
	}
	if ownerOnly(perm) {
		fi, err := os.Stat(path)
		restrictOrWarn(path, err == nil && fi.IsDir())
	}
	return nil
}

// restrictOrWarn applies the owner-only DACL. Filesystems without ACL
// support (FAT, some network shares) fail here; the mode is still set.
func restrictOrWarn(path string, isDir bool) {
	if err := restrict(path, isDir); err != nil {
		slog.Warn("could not restrict access to current user", "path", path, "error", err)
	}
}

func restrict(path string, isDir bool) error {
	user, err := windows.GetCurrentProcessToken().GetTokenUser()
	if err != nil {
		return fmt.Errorf("current user SID: %w", err)
	}

	inherit := uint32(windows.NO_INHERITANCE)
	if isDir {
		inherit = windows.CONTAINER_INHERIT_ACE | windows.OBJECT_INHERIT_ACE
	}
	acl, err := windows.ACLFromEntries([]windows.EXPLICIT_ACCESS{{
		AccessPermissions: windows.GENERIC_ALL,
		AccessMode:        windows.SET_ACCESS,
		Inheritance:       inherit,
		Trustee: windows.TRUSTEE{
			TrusteeForm:  windows.TRUSTEE_IS_SID,
			TrusteeType:  windows.TRUSTEE_IS_USER,
			TrusteeValue: windows.TrusteeValueFromSID(user.User.Sid),
		},
	}}, nil)
	if err != nil {
		return fmt.Errorf("build ACL for %s: %w", path, err)
	}

	info := windows.SECURITY_INFORMATION(windows.DACL_SECURITY_INFORMATION | windows.PROTECTED_DACL_SECURITY_INFORMATION)
	if err := windows.SetNamedSecurityInfo(path, windows.SE_FILE_OBJECT, info, nil, nil, acl, nil); err != nil {
		return fmt.Errorf("set DACL on %s: %w", path, err)
	}
	return nil
}
