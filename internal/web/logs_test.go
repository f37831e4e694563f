package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestLogBuffer_JoinsPartialWrites(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("gate open policy=st"))
	_, _ = b.Write([]byte("atus\norigin latched lat=1\n\n"))
	_, _ = b.Write([]byte("tail-without-newline"))

	lines, dropped := b.Snapshot(0, "")
	want := []string{"gate open policy=status", "origin latched lat=1"}
	if !reflect.DeepEqual(lines, want) || dropped != 0 {
		t.Fatalf("lines=%q dropped=%d", lines, dropped)
	}
}

func TestLogBuffer_DropsOldestAndFilters(t *testing.T) {
	b := NewLogBuffer(3)
	for _, l := range []string{"a 1", "b 2", "a 3", "b 4", "a 5"} {
		_, _ = b.Write([]byte(l + "\n"))
	}

	lines, dropped := b.Snapshot(10, "")
	if !reflect.DeepEqual(lines, []string{"a 3", "b 4", "a 5"}) || dropped != 2 {
		t.Fatalf("lines=%q dropped=%d", lines, dropped)
	}
	lines, _ = b.Snapshot(1, "a")
	if !reflect.DeepEqual(lines, []string{"a 5"}) {
		t.Fatalf("filtered=%q", lines)
	}
}

func TestLogsHandler(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("one\ntwo\n"))
	ts := httptest.NewServer(Handler(NewStatus(), nil, b, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/logs?tail=1")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	defer resp.Body.Close()
	var out LogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(out.Lines, []string{"two"}) {
		t.Fatalf("lines=%q", out.Lines)
	}

	resp2, err := http.Get(ts.URL + "/api/logs?format=text")
	if err != nil {
		t.Fatalf("get logs text: %v", err)
	}
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)
	if string(body) != "one\ntwo\n" {
		t.Fatalf("body=%q", body)
	}

	resp3, err := http.Get(ts.URL + "/api/logs?tail=0")
	if err != nil {
		t.Fatalf("get logs bad tail: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusBadRequest {
		t.Fatalf("status code=%d", resp3.StatusCode)
	}
}
