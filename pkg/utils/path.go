package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ProtectedPaths are system directories that may never hold swap files,
// directly or below.
var ProtectedPaths = []string{
	"/etc", "/sys", "/proc", "/dev", "/run", "/bin", "/sbin",
	"/usr", "/lib", "/lib64", "/boot", "/snap", "/lost+found",
}

// ValidateSwapDir checks that dir is absolute, free of traversal, and not the
// root or a protected system directory.
func ValidateSwapDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("path must be absolute: %s", dir)
	}
	if strings.Contains(dir, "..") {
		return fmt.Errorf("path contains directory traversal: %s", dir)
	}

	clean := filepath.Clean(dir)
	if clean == "/" {
		return fmt.Errorf("path cannot be the filesystem root")
	}
	if IsProtectedPath(clean) {
		return fmt.Errorf("path %s is inside a protected system directory", dir)
	}
	return nil
}

// IsProtectedPath reports whether path equals or lies below a protected directory.
func IsProtectedPath(path string) bool {
	clean := filepath.Clean(path)
	for _, p := range ProtectedPaths {
		if clean == p || strings.HasPrefix(clean, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// SecureJoin joins path elements and ensures the result stays within base.
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}
