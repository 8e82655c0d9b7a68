package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// LogRotator wraps a log file and caps it at a fixed number of lines.
// Once twice the cap has been written the file is rewritten with only the
// most recent lines.
type LogRotator struct {
	writer   io.Writer
	lines    [][]byte
	head     int
	size     int
	written  int
	maxLines int
	filePath string
	mu       sync.Mutex
}

// NewLogRotator creates a new LogRotator.
func NewLogRotator(writer io.Writer, maxLines int, filePath string) *LogRotator {
	maxLines = max(maxLines, 1)

	return &LogRotator{
		writer:   writer,
		lines:    make([][]byte, maxLines),
		maxLines: maxLines,
		filePath: filePath,
	}
}

// Write implements io.Writer.
func (w *LogRotator) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.writer.Write(p)
	if err != nil {
		return n, err
	}

	for line := range bytes.SplitSeq(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}

		w.lines[w.head] = bytes.Clone(line)
		w.head = (w.head + 1) % w.maxLines
		w.size = min(w.size+1, w.maxLines)
		w.written++

		if w.written >= w.maxLines*2 {
			if err := w.rotate(); err != nil {
				return n, fmt.Errorf("failed to rotate log file: %w", err)
			}
			w.written = w.size
		}
	}

	return n, nil
}

// Lines returns the retained lines in the order they were written.
func (w *LogRotator) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	lines := make([]string, 0, w.size)
	for _, line := range w.ordered() {
		lines = append(lines, string(line))
	}
	return lines
}

func (w *LogRotator) ordered() [][]byte {
	out := make([][]byte, 0, w.size)
	start := (w.head - w.size + w.maxLines) % w.maxLines
	for i := range w.size {
		out = append(out, w.lines[(start+i)%w.maxLines])
	}
	return out
}

// rotate replaces the file with the retained lines and reopens it for appending.
func (w *LogRotator) rotate() error {
	if w.filePath == "" {
		return nil
	}

	temp, err := os.CreateTemp(filepath.Dir(w.filePath), "temp-log-")
	if err != nil {
		return err
	}
	tempPath := temp.Name()

	content := append(bytes.Join(w.ordered(), []byte("\n")), '\n')
	if _, err := temp.Write(content); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return err
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}

	if closer, ok := w.writer.(io.Closer); ok {
		closer.Close()
	}

	if err := os.Rename(tempPath, w.filePath); err != nil {
		return err
	}

	file, err := os.OpenFile(w.filePath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.writer = file

	return nil
}
