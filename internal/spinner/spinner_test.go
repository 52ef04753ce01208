package spinner

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func status(s *Spinner) string {
	if p := s.status.Load(); p != nil {
		return *p
	}
	return ""
}

func TestSpinner_Write(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		want   string
	}{
		{name: "latest complete line", writes: []string{"compiling\nlinking\n"}, want: "linking"},
		{name: "partial line held back", writes: []string{"done\nlink"}, want: "done"},
		{name: "line split across writes", writes: []string{"link", "ing main\n"}, want: "linking main"},
		{name: "blank lines ignored", writes: []string{"test\n\n   \n"}, want: "test"},
		{name: "carriage return progress", writes: []string{"10%\r", "55%\r"}, want: "55%"},
		{name: "crlf", writes: []string{"ok\r\n"}, want: "ok"},
		{name: "escape sequences stripped", writes: []string{"\x1b[31mFAIL\x1b[0m pkg\n"}, want: "FAIL pkg"},
		{name: "nothing yet", writes: []string{"no newline"}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(io.Discard, "build")
			for _, w := range tt.writes {
				n, err := s.Write([]byte(w))
				require.NoError(t, err)
				assert.Equal(t, len(w), n)
			}
			assert.Equal(t, tt.want, status(s))
		})
	}
}

func TestSpinner_PartialIsBounded(t *testing.T) {
	s := New(io.Discard, "build")
	for range 10 {
		_, _ = s.Write(make([]byte, maxPartial))
	}
	assert.LessOrEqual(t, len(s.partial), maxPartial)
}

func TestModel_View(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	status := &atomic.Pointer[string]{}
	m := newModel("build", status, 80, start)

	line := "linking"
	status.Store(&line)
	updated, _ := m.Update(spinner.TickMsg{Time: start.Add(1500 * time.Millisecond)})

	view := updated.View()
	assert.Contains(t, view, "build")
	assert.Contains(t, view, "1.5s")
	assert.Contains(t, view, "linking")
}

func TestModel_ViewTruncates(t *testing.T) {
	status := &atomic.Pointer[string]{}
	long := "compiling a very long package path that will not fit on the row at all"
	status.Store(&long)

	view := newModel("b", status, 30, time.Now()).View()
	assert.Contains(t, view, "...")
	assert.NotContains(t, view, "at all")
}

func TestModel_QuitClearsView(t *testing.T) {
	m := newModel("build", &atomic.Pointer[string]{}, 80, time.Now())

	updated, _ := m.Update(tea.QuitMsg{})

	assert.Empty(t, updated.View())
}

func TestSpinner_StopBeforeStart(t *testing.T) {
	s := New(io.Discard, "build")
	s.Stop()
	s.Stop()

	done := make(chan error, 1)
	go func() { done <- s.Start() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
