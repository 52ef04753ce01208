package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// DefaultTailLines is the number of lines shown by Tail when n is not
// positive.
const DefaultTailLines = 100

// tailBlock is how far Tail reads backwards at a time.
const tailBlock = 32 * 1024

// Replay copies a run's log byte for byte, so partial lines and terminal
// control sequences survive. Each copy returns the offset it stopped at,
// which Follow continues from without gaps.
type Replay struct {
	path string
}

// Replay returns a Replay for runID's log file.
func (p *PathManager) Replay(runID string) *Replay {
	return &Replay{path: p.RunLogPath(runID)}
}

// All copies the whole log to out.
func (r *Replay) All(out io.Writer) (int64, error) {
	return r.copyFrom(out, func(*os.File, int64) (int64, error) { return 0, nil })
}

// Tail copies the last n lines of the log to out. An unterminated final
// line counts as a line.
func (r *Replay) Tail(out io.Writer, n int) (int64, error) {
	if n <= 0 {
		n = DefaultTailLines
	}
	return r.copyFrom(out, func(f *os.File, size int64) (int64, error) {
		return tailOffset(f, size, n)
	})
}

func (r *Replay) copyFrom(out io.Writer, start func(*os.File, int64) (int64, error)) (int64, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat log file: %w", err)
	}
	size := info.Size()

	off, err := start(f, size)
	if err != nil {
		return 0, fmt.Errorf("read log file: %w", err)
	}
	if _, err := io.Copy(out, io.NewSectionReader(f, off, size-off)); err != nil {
		return 0, fmt.Errorf("copy log: %w", err)
	}
	return size, nil
}

// Follow copies data appended after offset, like `tail -f`, checking every
// interval. It returns ctx.Err() when the context ends, or nil once finished
// reports true and everything written up to then has been copied. finished
// may be nil.
func (r *Replay) Follow(ctx context.Context, out io.Writer, offset int64, interval time.Duration, finished func() bool) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Sampled before copying so output written just before the run
			// finished is not lost.
			done := finished != nil && finished()
			if _, err := io.Copy(out, f); err != nil {
				return fmt.Errorf("copy log: %w", err)
			}
			if done {
				return nil
			}
		}
	}
}

// tailOffset returns where the last n lines of a size-byte file begin.
func tailOffset(f io.ReaderAt, size int64, n int) (int64, error) {
	end := size
	if size > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil {
			return 0, err
		}
		if last[0] == '\n' {
			end--
		}
	}

	buf := make([]byte, tailBlock)
	for end > 0 {
		start := max(end-tailBlock, 0)
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && err != io.EOF {
			return 0, err
		}
		for i := len(chunk) - 1; i >= 0; i-- {
			if chunk[i] != '\n' {
				continue
			}
			if n--; n == 0 {
				return start + int64(i) + 1, nil
			}
		}
		end = start
	}
	return 0, nil
}
