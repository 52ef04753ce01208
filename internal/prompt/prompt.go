// Package prompt asks the user questions on the terminal with
// charmbracelet/huh. Every prompt refuses to run without a terminal so
// scripted invocations fail fast instead of hanging.
package prompt

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// maxChoiceHeight caps the rows a choice list takes up.
const maxChoiceHeight = 12

var (
	ErrCanceled       = errors.New("canceled by user")
	ErrNotInteractive = errors.New("not an interactive terminal")
)

// Prompter is the set of questions the CLI asks.
type Prompter interface {
	// Confirm asks a yes/no question. The default answer is no.
	Confirm(title, description string) (bool, error)

	// Secret reads a value without echoing it. Surrounding whitespace is
	// dropped and an empty value is rejected.
	Secret(title string) (string, error)

	// Choice returns the 0-based index of the selected option.
	Choice(title string, options []string) (int, error)
}

// Terminal implements Prompter on a pair of terminal files.
type Terminal struct {
	In  *os.File
	Out *os.File

	// Accessible replaces the TUI with plain line-based prompts, for
	// screen readers.
	Accessible bool
}

// New returns a Terminal on stdin and stderr, so prompts stay visible when
// stdout is redirected. ACCESSIBLE in the environment enables accessible
// mode.
func New() *Terminal {
	return &Terminal{
		In:         os.Stdin,
		Out:        os.Stderr,
		Accessible: os.Getenv("ACCESSIBLE") != "",
	}
}

// Interactive reports whether both files are terminals.
func (t *Terminal) Interactive() bool {
	return isTerminal(t.In) && isTerminal(t.Out)
}

func isTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

func (t *Terminal) run(kind string, field huh.Field) error {
	if !t.Interactive() {
		return ErrNotInteractive
	}

	err := huh.NewForm(huh.NewGroup(field)).
		WithInput(t.In).
		WithOutput(t.Out).
		WithAccessible(t.Accessible).
		WithShowHelp(false).
		Run()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, huh.ErrUserAborted):
		return ErrCanceled
	default:
		return fmt.Errorf("%s prompt: %w", kind, err)
	}
}

func (t *Terminal) Confirm(title, description string) (bool, error) {
	var confirmed bool
	err := t.run("confirm", huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&confirmed))
	if err != nil {
		return false, err
	}
	return confirmed, nil
}

func (t *Terminal) Secret(title string) (string, error) {
	var value string
	err := t.run("secret", huh.NewInput().
		Title(title).
		EchoMode(huh.EchoModePassword).
		Validate(requireValue).
		Value(&value))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func requireValue(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("a value is required")
	}
	return nil
}

func (t *Terminal) Choice(title string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, errors.New("choice prompt: no options")
	}

	opts := make([]huh.Option[int], len(options))
	for i, label := range options {
		opts[i] = huh.NewOption(label, i)
	}

	var selected int
	err := t.run("choice", huh.NewSelect[int]().
		Title(title).
		Options(opts...).
		Height(min(len(options)+2, maxChoiceHeight)).
		Value(&selected))
	if err != nil {
		return 0, err
	}
	return selected, nil
}
