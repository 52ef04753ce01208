//go:build windows

package environ

import (
	"os"
	"path/filepath"
	"strings"
)

const defaultPathExt = ".com;.exe;.bat;.cmd"

func hasSeparator(file string) bool {
	return strings.ContainsAny(file, `:\/`)
}

// findExecutable tries path as given when it already carries a PATHEXT
// extension, then path with each PATHEXT extension appended.
func findExecutable(path string, m Map) (string, bool) {
	exts := pathExts(m)

	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e && isFile(path) {
			return path, true
		}
	}
	for _, e := range exts {
		if candidate := path + e; isFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func pathExts(m Map) []string {
	value, ok := m.Lookup("PATHEXT")
	if !ok || value == "" {
		value = defaultPathExt
	}

	var exts []string
	for _, e := range strings.Split(strings.ToLower(value), ";") {
		if e == "" {
			continue
		}
		if e[0] != '.' {
			e = "." + e
		}
		exts = append(exts, e)
	}
	return exts
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
