//go:build !windows

package environ

import (
	"os"
	"strings"
)

func hasSeparator(file string) bool {
	return strings.Contains(file, "/")
}

func findExecutable(path string, _ Map) (string, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", false
	}
	return path, true
}
