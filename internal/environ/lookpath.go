package environ

import (
	"os/exec"
	"path/filepath"
)

// LookPath searches for an executable named file in the directories of the
// map's PATH rather than the ambient one, so a per-call PATH override decides
// which binary runs. Names containing a path separator are checked directly.
//
// Relative names and relative PATH entries are resolved against dir, the
// child's working directory, or the current directory when dir is empty.
// The result is always absolute. The error is an *exec.Error wrapping
// exec.ErrNotFound when nothing matches.
func (m Map) LookPath(file, dir string) (string, error) {
	if hasSeparator(file) {
		if path, ok := findExecutable(absIn(dir, file), m); ok {
			return path, nil
		}
		return "", &exec.Error{Name: file, Err: exec.ErrNotFound}
	}

	pathValue, _ := m.Lookup(PathKey)
	for _, entry := range filepath.SplitList(pathValue) {
		if entry == "" {
			// Unix shell semantics: an empty PATH entry means "."
			entry = "."
		}
		if path, ok := findExecutable(absIn(dir, filepath.Join(entry, file)), m); ok {
			return path, nil
		}
	}
	return "", &exec.Error{Name: file, Err: exec.ErrNotFound}
}

func absIn(dir, path string) string {
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
