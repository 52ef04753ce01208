// Package spinner renders the --ticker display: a spinner, the build name,
// elapsed time and the latest line of output, redrawn in place on one
// terminal row.
package spinner

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

// maxPartial bounds how much of an unterminated line is buffered.
const maxPartial = 4096

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	elapsedStyle = lipgloss.NewStyle().Faint(true)
	dotStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
)

// Spinner is an io.Writer for build output that shows the most recent
// non-blank line on a status row. Carriage returns end a line too, so
// progress bars update the row as they redraw.
type Spinner struct {
	program *tea.Program
	status  *atomic.Pointer[string]

	mu      sync.Mutex
	partial []byte
	running bool
	stopped bool
}

var _ io.Writer = (*Spinner)(nil)

// New creates a Spinner labelled with title that draws on output
// (os.Stderr when nil).
func New(output io.Writer, title string) *Spinner {
	if output == nil {
		output = os.Stderr
	}

	status := &atomic.Pointer[string]{}
	m := newModel(title, status, termWidth(output), time.Now())
	return &Spinner{
		status: status,
		program: tea.NewProgram(m,
			tea.WithOutput(output),
			tea.WithInput(nil),
			tea.WithoutSignalHandler(),
		),
	}
}

func termWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return 80
}

// Write updates the status row from b. It never fails.
func (s *Spinner) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.partial = append(s.partial, b...)
	end := bytes.LastIndexAny(s.partial, "\r\n")
	if end < 0 {
		if len(s.partial) > maxPartial {
			s.partial = s.partial[len(s.partial)-maxPartial:]
		}
		return len(b), nil
	}

	if line, ok := lastLine(s.partial[:end]); ok {
		s.status.Store(&line)
	}
	s.partial = append(s.partial[:0], s.partial[end+1:]...)
	return len(b), nil
}

// lastLine returns the last line of b with content once escape sequences
// are removed.
func lastLine(b []byte) (string, bool) {
	lines := strings.FieldsFunc(string(b), func(r rune) bool { return r == '\n' || r == '\r' })
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(ansi.Strip(lines[i])); line != "" {
			return line, true
		}
	}
	return "", false
}

// Start runs the display and blocks until Stop is called. It returns at
// once if Stop already was.
func (s *Spinner) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	_, err := s.program.Run()
	return err
}

// Stop clears the status row and makes Start return. It is safe to call
// more than once.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	running := s.running
	s.mu.Unlock()

	if running {
		s.program.Quit()
	}
}

type model struct {
	spinner  spinner.Model
	title    string
	status   *atomic.Pointer[string]
	started  time.Time
	now      time.Time
	width    int
	quitting bool
}

func newModel(title string, status *atomic.Pointer[string], width int, started time.Time) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = dotStyle

	return model{
		spinner: s,
		title:   title,
		status:  status,
		started: started,
		now:     started,
		width:   width,
	}
}

// Init implements tea.Model.
//
//nolint:gocritic // hugeParam: tea.Model interface requires value receiver
func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model. The status line is sampled on every tick.
//
//nolint:gocritic // hugeParam: tea.Model interface requires value receiver
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		m.now = msg.Time
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.QuitMsg:
		m.quitting = true
	}

	return m, nil
}

// View implements tea.Model.
//
//nolint:gocritic // hugeParam: tea.Model interface requires value receiver
func (m model) View() string {
	if m.quitting {
		return ""
	}

	head := m.spinner.View() + " "
	if m.title != "" {
		head += titleStyle.Render(m.title) + " "
	}
	head += elapsedStyle.Render(fmt.Sprintf("%.1fs", m.now.Sub(m.started).Seconds())) + " "

	var line string
	if p := m.status.Load(); p != nil {
		line = *p
	}
	return head + ansi.Truncate(line, max(m.width-lipgloss.Width(head), 10), "...")
}
