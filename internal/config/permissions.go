package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	permOwnerRead  = 0o400
	permGroupRead  = 0o040
	permGroupWrite = 0o020
	permGroupExec  = 0o010
	permOtherMask  = 0o007
)

// CheckConfigPermissions validates the daemon config file mode. The config may
// carry a postgres DSN with credentials, so anything beyond owner access is flagged.
func CheckConfigPermissions(path string) (string, error) {
	return checkFilePermissions("config", path, false)
}

// CheckSeedPermissions validates the seed file mode. Seed files hold no secrets;
// only group or world writes are rejected.
func CheckSeedPermissions(path string) (string, error) {
	return checkFilePermissions("seed file", path, true)
}

func checkFilePermissions(kind, path string, allowRead bool) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%s path is required", kind)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s %s: %w", kind, path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s %s must be a regular file", kind, path)
	}
	perms := info.Mode().Perm()
	if perms&permOwnerRead == 0 {
		return "", fmt.Errorf("%s %s must be readable by owner (mode %04o)", kind, path, perms)
	}
	if allowRead {
		if perms&(permGroupWrite|0o002) != 0 {
			return "", fmt.Errorf("%s %s must not be writable by group or others (mode %04o)", kind, path, perms)
		}
		return "", nil
	}
	if perms&permOtherMask != 0 {
		return "", fmt.Errorf("%s %s must not be accessible by others (mode %04o)", kind, path, perms)
	}
	if perms&(permGroupWrite|permGroupExec) != 0 {
		return "", fmt.Errorf("%s %s must not be group-writable or executable (mode %04o)", kind, path, perms)
	}
	if perms&permGroupRead != 0 {
		return fmt.Sprintf("%s %s is group-readable (mode %04o); consider chmod 0600", kind, path, perms), nil
	}
	return "", nil
}
