package core

import (
	"io/fs"
	"os"
	"os/exec"
	"strings"
)

// IsExecutable checks if a file mode has any executable bits set.
// It checks the executable bits for owner, group, and others (0111).
func IsExecutable(info fs.FileInfo) bool {
	permissions := info.Mode().Perm()
	return permissions&0111 != 0
}

// ResolveExecutable finds the program name refers to. A name containing a
// path separator must be an executable regular file; anything else is looked
// up on PATH.
func ResolveExecutable(name string) (string, error) {
	if !strings.ContainsRune(name, os.PathSeparator) && !strings.ContainsRune(name, '/') {
		path, err := exec.LookPath(name)
		if err != nil {
			return "", NewConfigError("%s not found on PATH", name)
		}
		return path, nil
	}

	info, err := os.Stat(name)
	if err != nil {
		return "", NewConfigError("%s: %v", name, err)
	}
	if info.IsDir() {
		return "", NewConfigError("%s is a directory", name)
	}
	if !IsExecutable(info) {
		return "", NewConfigError("%s is not executable", name)
	}
	return name, nil
}
