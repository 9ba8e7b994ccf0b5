package stream

import (
	"io"
	"strings"
	"testing"
)

func TestEventScanner(t *testing.T) {
	body := strings.Join([]string{
		": heartbeat",
		"",
		"event: odds",
		"id: 42",
		"data: {\"a\":1,",
		"data: \"b\":2}",
		"",
		"data: plain",
		"",
	}, "\n") + "\n"

	s := newEventScanner(strings.NewReader(body))

	ev, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != "odds" || ev.ID != "42" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Data != "{\"a\":1,\n\"b\":2}" {
		t.Errorf("data = %q", ev.Data)
	}

	ev, err = s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != "message" || ev.Data != "plain" {
		t.Errorf("event = %+v", ev)
	}

	if _, err := s.Next(); err != io.EOF {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestEventScannerCRLF(t *testing.T) {
	s := newEventScanner(strings.NewReader("event: odds\r\ndata: x\r\n\r\n"))
	ev, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != "odds" || ev.Data != "x" {
		t.Errorf("event = %+v", ev)
	}
}

func TestFormatHolder(t *testing.T) {
	h := NewFormatHolder("decimal")
	if h.Get() != "decimal" {
		t.Errorf("Get = %q", h.Get())
	}
	h.Set("american")
	if h.Get() != "american" {
		t.Errorf("Get after Set = %q", h.Get())
	}
	h.Set("")
	if h.Get() != "american" {
		t.Errorf("empty Set must be ignored, got %q", h.Get())
	}
}

func TestChunkStrings(t *testing.T) {
	got := chunkStrings([]string{"a", "b", "c", "d", "e"}, 2)
	if len(got) != 3 || len(got[0]) != 2 || len(got[2]) != 1 {
		t.Errorf("chunks = %v", got)
	}
	if got := chunkStrings([]string{"a", "b"}, 0); len(got) != 1 || len(got[0]) != 2 {
		t.Errorf("size 0 = %v", got)
	}
	if got := chunkStrings(nil, 3); got != nil {
		t.Errorf("nil input = %v", got)
	}
}

func TestBisectChunks(t *testing.T) {
	in := [][]string{{"a", "b", "c", "d"}, {"e"}}
	out := bisectChunks(in)
	if len(out) != 3 {
		t.Fatalf("out = %v", out)
	}
	if len(out[0]) != 2 || len(out[1]) != 2 || len(out[2]) != 1 {
		t.Errorf("out = %v", out)
	}
	// Singletons only: unchanged.
	single := [][]string{{"a"}, {"b"}}
	if got := bisectChunks(single); len(got) != 2 {
		t.Errorf("singleton bisect = %v", got)
	}
}
