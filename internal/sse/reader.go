// Package sse reads server-sent event streams such as the AI service's token
// stream.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// DoneEvent names the frame that terminates a token stream.
const DoneEvent = "done"

// Event is one dispatched server-sent event. Name is empty for unnamed
// "message" events.
type Event struct {
	Name string
	Data string
}

// Reader splits a stream into events. It is not safe for concurrent use.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next event. It returns io.EOF once the stream ends; a
// partial event cut off by EOF is dropped.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    strings.Builder
		hasData bool
	)
	for {
		line, err := r.r.ReadString('\n')
		if err != nil {
			return Event{}, err
		}

		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
		if line == "" {
			if !hasData && ev.Name == "" {
				continue
			}
			ev.Data = data.String()
			return ev, nil
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "":
			// comment
		case "event":
			ev.Name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
}
