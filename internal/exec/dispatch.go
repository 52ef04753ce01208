package exec

import (
	"os"
	"path/filepath"

	"github.com/jmgilman/buildrun/internal/environ"
)

const (
	defaultShell   = "/bin/bash"
	rawShell       = "/bin/sh"
	defaultComspec = "cmd.exe"
	helperName     = "buildrun-helper"
)

// launchPlan is the platform-specific form of a CommandSpec.
type launchPlan struct {
	// argv is the program and arguments handed to the OS.
	argv []string
	// cmdLine, when set, is passed to CreateProcess verbatim instead of a
	// command line quoted from argv. Windows only.
	cmdLine string
	// stdin requests a writable stdin pipe for the helper handshake.
	stdin bool
}

// planLaunch selects the spawn strategy from the target OS and the spec
// variant. Shell lines go through cmd.exe on Windows, a login shell on macOS
// so profile customizations apply, and a plain non-login shell elsewhere.
func planLaunch(goos string, spec CommandSpec, opts Options, env environ.Map) launchPlan {
	shell := opts.Shell
	if shell == "" {
		shell = defaultShell
	}

	if spec.IsShell() {
		switch goos {
		case "windows":
			comspec := comspecFor(env)
			return launchPlan{
				argv:    []string{comspec, "/c", spec.Shell},
				cmdLine: comspec + ` /c "` + spec.Shell + `"`,
			}
		case "darwin":
			return launchPlan{argv: []string{shell, "-l", "-c", spec.Shell}}
		default:
			return launchPlan{argv: []string{shell, "-c", spec.Shell}}
		}
	}

	argv := append([]string(nil), spec.Argv...)
	if opts.RawShell {
		if goos == "windows" {
			argv = append([]string{comspecFor(env), "/c"}, argv...)
		} else {
			argv = append([]string{rawShell, "-c"}, argv...)
		}
	}

	if opts.UseHelper && goos == "windows" {
		return launchPlan{
			argv:  append([]string{helperPathFor(opts)}, argv...),
			stdin: true,
		}
	}
	return launchPlan{argv: argv}
}

func comspecFor(env environ.Map) string {
	if comspec, ok := env["COMSPEC"]; ok && comspec != "" {
		return comspec
	}
	return defaultComspec
}

// helperPathFor prefers an explicit path, then a helper installed next to the
// running executable. The bare name falls through to a PATH lookup.
func helperPathFor(opts Options) string {
	if opts.HelperPath != "" {
		return opts.HelperPath
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), helperName+".exe")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return helperName
}
