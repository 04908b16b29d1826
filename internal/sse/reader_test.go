package sse

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, stream string) []Event {
	t.Helper()
	r := NewReader(strings.NewReader(stream))
	var out []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestReader_TokenStream(t *testing.T) {
	events := readAll(t, "data: Hello\n\ndata:  world\n\ndata: !\n\nevent: done\ndata: done\n\n")
	require.Equal(t, []Event{
		{Data: "Hello"},
		{Data: " world"},
		{Data: "!"},
		{Name: DoneEvent, Data: "done"},
	}, events)
}

func TestReader_Framing(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   []Event
	}{
		{name: "empty", stream: "", want: nil},
		{name: "crlf", stream: "data: a\r\n\r\n", want: []Event{{Data: "a"}}},
		{name: "multi-line data", stream: "data: a\ndata: b\n\n", want: []Event{{Data: "a\nb"}}},
		{name: "comments and blank lines", stream: ": ping\n\n\n\ndata: x\n\n", want: []Event{{Data: "x"}}},
		{name: "no space after colon", stream: "data:x\n\n", want: []Event{{Data: "x"}}},
		{name: "unknown field ignored", stream: "id: 7\ndata: x\n\n", want: []Event{{Data: "x"}}},
		{name: "truncated final event", stream: "data: a\n\ndata: b", want: []Event{{Data: "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, readAll(t, tt.stream))
		})
	}
}
