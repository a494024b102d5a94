package transport

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// sseScanner incrementally parses a text/event-stream body.
type sseScanner struct {
	scanner *bufio.Scanner
}

func newSSEScanner(r io.Reader) *sseScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &sseScanner{scanner: scanner}
}

// Next returns the next complete event, or io.EOF when the stream ends.
// Comment lines and unknown fields are ignored per the SSE format;
// multi-line data fields are joined with newlines.
func (s *sseScanner) Next() (*sseEvent, error) {
	var (
		ev       sseEvent
		dataSeen bool
		data     []string
	)

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if dataSeen {
				ev.Data = strings.Join(data, "\n")
				if ev.Event == "" {
					ev.Event = "message"
				}
				return &ev, nil
			}
			// Empty event, keep reading.
			ev = sseEvent{}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Event = value
		case "data":
			dataSeen = true
			data = append(data, value)
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
