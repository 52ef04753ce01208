package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notTerminal(t *testing.T) *Terminal {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "tty"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return &Terminal{In: f, Out: f}
}

func TestTerminal_NotInteractive(t *testing.T) {
	term := notTerminal(t)
	assert.False(t, term.Interactive())

	_, err := term.Confirm("Remove 2 run(s)?", "")
	assert.ErrorIs(t, err, ErrNotInteractive)

	_, err = term.Secret("Value for npm-token")
	assert.ErrorIs(t, err, ErrNotInteractive)

	_, err = term.Choice("Build", []string{"test", "race"})
	assert.ErrorIs(t, err, ErrNotInteractive)
}

func TestTerminal_NilFiles(t *testing.T) {
	assert.False(t, (&Terminal{}).Interactive())
}

func TestTerminal_ChoiceWithoutOptions(t *testing.T) {
	_, err := notTerminal(t).Choice("Build", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotInteractive)
}

func TestRequireValue(t *testing.T) {
	assert.NoError(t, requireValue("s3cret"))
	assert.Error(t, requireValue(""))
	assert.Error(t, requireValue("  \t"))
}
