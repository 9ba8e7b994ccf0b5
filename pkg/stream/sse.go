// Package stream ingests upstream odds over SSE and drives the state
// engine, fanning derived payloads out through a sink callback.
package stream

import (
	"bufio"
	"io"
	"strings"
)

// Event is one server-sent event.
type Event struct {
	Type string
	ID   string
	Data string
}

// eventScanner parses a text/event-stream body incrementally.
type eventScanner struct {
	r *bufio.Reader
}

func newEventScanner(r io.Reader) *eventScanner {
	return &eventScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next blocks until a complete event is read. Events with no data are
// skipped. Returns the reader's error (io.EOF included) once the stream
// ends.
func (s *eventScanner) Next() (Event, error) {
	ev := Event{Type: "message"}
	var data []string
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) == 0 {
				// Keep-alive separator; keep reading.
				ev = Event{Type: "message"}
				continue
			}
			ev.Data = strings.Join(data, "\n")
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / heartbeat
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = strings.TrimPrefix(line[i+1:], " ")
		}
		switch field {
		case "event":
			ev.Type = value
		case "data":
			data = append(data, value)
		case "id":
			ev.ID = value
		}
	}
}
