package environ

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnviron(t *testing.T) {
	t.Run("parses pairs", func(t *testing.T) {
		m := FromEnviron([]string{"A=1", "B=x=y", "EMPTY="}, "linux")

		assert.Equal(t, Map{"A": "1", "B": "x=y", "EMPTY": ""}, m)
	})

	t.Run("skips pseudo variables", func(t *testing.T) {
		m := FromEnviron([]string{"=C:=C:\\", "noequals", "OK=1"}, "windows")

		assert.Equal(t, Map{"OK": "1"}, m)
	})

	t.Run("upper-cases keys on windows", func(t *testing.T) {
		m := FromEnviron([]string{"Path=C:\\bin"}, "windows")

		assert.Equal(t, "C:\\bin", m["PATH"])
	})
}

func TestMap_Environ(t *testing.T) {
	m := Map{"B": "2", "A": "1"}

	assert.Equal(t, []string{"A=1", "B=2"}, m.Environ())
}

func TestMap_SetLiteral(t *testing.T) {
	t.Run("posix", func(t *testing.T) {
		m := Map{"token": "old"}
		m.SetLiteral(map[string]string{"TOKEN": "$HOME"}, "linux")
		assert.Equal(t, Map{"token": "old", "TOKEN": "$HOME"}, m)
	})

	t.Run("windows folds keys", func(t *testing.T) {
		m := Map{"TOKEN": "old"}
		m.SetLiteral(map[string]string{"Token": "%HOME%"}, "windows")
		assert.Equal(t, Map{"TOKEN": "%HOME%"}, m)
	})
}

func TestBuilder_Build(t *testing.T) {
	base := Map{"PATH": "/usr/bin", "HOME": "/home/u", "LITERAL": "$HOME/x"}

	t.Run("applies overrides", func(t *testing.T) {
		b := &Builder{Base: base, GOOS: "linux"}

		env := b.Build(map[string]string{"FOO": "bar"}, "")

		assert.Equal(t, "bar", env["FOO"])
		assert.Equal(t, "/usr/bin", env["PATH"])
	})

	t.Run("expands every value", func(t *testing.T) {
		b := &Builder{Base: base, GOOS: "linux"}

		env := b.Build(map[string]string{"TOOLS": "$HOME/tools"}, "")

		assert.Equal(t, "/home/u/tools", env["TOOLS"])
		assert.Equal(t, "/home/u/x", env["LITERAL"])
	})

	t.Run("path override appends", func(t *testing.T) {
		b := &Builder{Base: base, GOOS: "linux"}

		env := b.Build(nil, "$PATH:/opt/bin")

		assert.Equal(t, "/usr/bin:/opt/bin", env["PATH"])
	})

	t.Run("path override prepends", func(t *testing.T) {
		b := &Builder{Base: base, GOOS: "linux"}

		env := b.Build(nil, "/opt/bin:${PATH}")

		assert.Equal(t, "/opt/bin:/usr/bin", env["PATH"])
	})

	t.Run("expansion uses build-time environment not merged map", func(t *testing.T) {
		b := &Builder{Base: base, GOOS: "linux"}

		env := b.Build(map[string]string{
			"HOME": "/override",
			"DATA": "$HOME/data",
		}, "")

		assert.Equal(t, "/override", env["HOME"])
		assert.Equal(t, "/home/u/data", env["DATA"])
	})

	t.Run("overrides see the overridden path", func(t *testing.T) {
		b := &Builder{Base: base, GOOS: "linux"}

		env := b.Build(map[string]string{"SAVED": "$PATH"}, "/opt/bin")

		assert.Equal(t, "/opt/bin", env["SAVED"])
	})

	t.Run("undefined references stay literal", func(t *testing.T) {
		b := &Builder{Base: base, GOOS: "linux"}

		env := b.Build(map[string]string{"X": "$NOPE/${ALSO_NOPE}"}, "$MISSING:/bin")

		assert.Equal(t, "$NOPE/${ALSO_NOPE}", env["X"])
		assert.Equal(t, "$MISSING:/bin", env["PATH"])
	})

	t.Run("does not modify base", func(t *testing.T) {
		b := &Builder{Base: base.Clone(), GOOS: "linux"}

		b.Build(map[string]string{"FOO": "bar"}, "/opt/bin")

		assert.Equal(t, base, b.Base)
	})

	t.Run("windows percent references and case folding", func(t *testing.T) {
		b := &Builder{Base: Map{"PATH": `C:\Windows`}, GOOS: "windows"}

		env := b.Build(map[string]string{"tools": `%Path%;C:\tools`}, `%PATH%;C:\bin`)

		assert.Equal(t, `C:\Windows;C:\bin`, env["PATH"])
		assert.Equal(t, `C:\Windows;C:\bin;C:\tools`, env["TOOLS"])
	})
}

func TestBuilder_Build_LeavesAmbientPathUntouched(t *testing.T) {
	t.Setenv("PATH", os.Getenv("PATH"))
	before := os.Getenv("PATH")

	NewBuilder().Build(map[string]string{"PATH": "/elsewhere"}, "/opt/bin:$PATH")

	assert.Equal(t, before, os.Getenv("PATH"))
}

func TestExpand(t *testing.T) {
	lookup := func(name string) (string, bool) {
		vals := map[string]string{"A": "1", "B_2": "two", "ÄX": "umlaut"}
		v, ok := vals[name]
		return v, ok
	}

	tests := []struct {
		name    string
		in      string
		windows bool
		want    string
	}{
		{"plain", "no refs", false, "no refs"},
		{"bare", "$A", false, "1"},
		{"braced", "${A}x", false, "1x"},
		{"word chars", "$B_2-", false, "two-"},
		{"unicode name", "$ÄX", false, "umlaut"},
		{"trailing dollar", "cost$", false, "cost$"},
		{"dollar non-name", "$-x", false, "$-x"},
		{"empty braces", "${}", false, "${}"},
		{"unterminated brace", "${A", false, "${A"},
		{"unknown", "$Z ${Z}", false, "$Z ${Z}"},
		{"percent ignored off windows", "%A%", false, "%A%"},
		{"percent on windows", "%A%;%Z%", true, "1;%Z%"},
		{"lone percent", "100%", true, "100%"},
		{"double percent", "%%A", true, "%%A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Expand(tt.in, lookup, tt.windows))
		})
	}
}

func TestMap_LookPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX executable bits")
	}

	dir := t.TempDir()
	tool := filepath.Join(dir, "mytool")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\necho hi\n"), 0o755))
	plain := filepath.Join(dir, "notexec")
	require.NoError(t, os.WriteFile(plain, []byte("data"), 0o644))

	t.Run("finds executable on map path", func(t *testing.T) {
		m := Map{"PATH": "/nonexistent" + string(os.PathListSeparator) + dir}

		path, err := m.LookPath("mytool", "")

		require.NoError(t, err)
		assert.Equal(t, tool, path)
	})

	t.Run("ignores ambient path", func(t *testing.T) {
		t.Setenv("PATH", dir)
		m := Map{"PATH": "/nonexistent"}

		_, err := m.LookPath("mytool", "")

		require.Error(t, err)
		assert.True(t, errors.Is(err, exec.ErrNotFound))
	})

	t.Run("skips non-executable files", func(t *testing.T) {
		m := Map{"PATH": dir}

		_, err := m.LookPath("notexec", "")

		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, "notexec", execErr.Name)
	})

	t.Run("checks names with separators directly", func(t *testing.T) {
		path, err := Map{}.LookPath(tool, "/elsewhere")

		require.NoError(t, err)
		assert.Equal(t, tool, path)
	})

	t.Run("resolves relative names against dir", func(t *testing.T) {
		path, err := Map{}.LookPath("./mytool", dir)

		require.NoError(t, err)
		assert.Equal(t, tool, path)

		_, err = Map{}.LookPath("./mytool", t.TempDir())
		assert.ErrorIs(t, err, exec.ErrNotFound)
	})

	t.Run("relative path entries are absolute", func(t *testing.T) {
		for _, pathValue := range []string{".", "", "/nonexistent" + string(os.PathListSeparator)} {
			path, err := Map{"PATH": pathValue}.LookPath("mytool", dir)

			require.NoError(t, err, "PATH=%q", pathValue)
			assert.Equal(t, tool, path)
			assert.True(t, filepath.IsAbs(path))
		}
	})

	t.Run("relative to current directory without dir", func(t *testing.T) {
		t.Chdir(dir)

		path, err := Map{"PATH": "."}.LookPath("mytool", "")

		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(path))
		assert.Equal(t, "mytool", filepath.Base(path))
	})
}

func TestMap_WithPath(t *testing.T) {
	m := Map{"PATH": "/usr/bin", "TOKEN": "p@ss$NAME", "NAME": "x"}

	out := m.WithPath("/opt/tools:$PATH", "linux")

	assert.Equal(t, "/opt/tools:/usr/bin", out["PATH"])
	assert.Equal(t, "p@ss$NAME", out["TOKEN"], "other values stay literal")
	assert.Equal(t, "/usr/bin", m["PATH"], "receiver is not modified")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FOO=bar\n# comment\nQUOTED=\"a b\"\n"), 0o644))

	vars, err := LoadFile(path)

	require.NoError(t, err)
	assert.Equal(t, "bar", vars["FOO"])
	assert.Equal(t, "a b", vars["QUOTED"])

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	got := Merge(map[string]string{"A": "1", "B": "1"}, nil, map[string]string{"B": "2"})

	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, got)
}
