package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// MaxFrameSize bounds a single newline-delimited frame. Frames beyond
// this are rejected rather than buffered without limit.
const MaxFrameSize = 8 * 1024 * 1024

// FrameReader reads newline-delimited JSON-RPC messages from a stream.
// Blank lines are skipped; oversized frames and malformed JSON surface as
// distinguishable errors so the caller can answer with the right
// protocol error instead of tearing the stream down.
type FrameReader struct {
	scanner *bufio.Scanner
}

// NewFrameReader creates a FrameReader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &FrameReader{scanner: scanner}
}

// Read returns the next message from the stream. It returns io.EOF when
// the stream ends cleanly, ErrFrameTooLarge for frames over the limit,
// and a wrapped ErrInvalidMessage for frames that do not parse.
func (r *FrameReader) Read() (*Message, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return &msg, nil
	}

	if err := r.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

// FrameWriter writes newline-delimited JSON-RPC messages to a stream.
// Writes are serialized so concurrent callers never interleave frames.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter creates a FrameWriter over w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write encodes msg and appends the terminating newline in a single
// write to the underlying stream.
func (w *FrameWriter) Write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// WriteRaw emits a pre-encoded frame, appending the newline if missing.
// Used for frames the proxy forwards without re-encoding.
func (w *FrameWriter) WriteRaw(data []byte) error {
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
