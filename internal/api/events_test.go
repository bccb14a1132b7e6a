package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

type sseEvent struct {
	name string
	data string
}

// readSSE consumes the stream until the done event or the body closes.
func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name == "" && cur.data == "" {
				continue
			}
			events = append(events, cur)
			if cur.name == "done" {
				return events
			}
			cur = sseEvent{}
		}
	}
	return events
}

func streamEvents(t *testing.T, ts *httptest.Server, id string) []sseEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/v1/jobs/"+id+"/events", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	return readSSE(t, resp.Body)
}

func TestStreamEventsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/jobs/nonexistent/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamEventsLiveJob(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := submitJob(t, ts, "quick")
	events := streamEvents(t, ts, created.ID)

	if len(events) < 2 {
		t.Fatalf("received %d events, want at least snapshot + done: %v", len(events), events)
	}
	if events[len(events)-1].name != "done" {
		t.Fatalf("last event = %q, want done", events[len(events)-1].name)
	}

	// Every state event carries a JSON body; the last one must be terminal.
	var lastState model.JobEvent
	for _, ev := range events[:len(events)-1] {
		if ev.name != "state" {
			t.Errorf("event name = %q, want state", ev.name)
			continue
		}
		if err := json.Unmarshal([]byte(ev.data), &lastState); err != nil {
			t.Fatalf("event data %q is not JSON: %v", ev.data, err)
		}
		if lastState.JobID != created.ID {
			t.Errorf("event job id = %q, want %q", lastState.JobID, created.ID)
		}
	}
	if lastState.State != model.StateDone {
		t.Errorf("final streamed state = %q, want done", lastState.State)
	}
}

func TestStreamEventsFinishedJob(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := submitJob(t, ts, "quick")
	waitForJobState(t, ts, created.ID, model.StateDone)

	events := streamEvents(t, ts, created.ID)

	if len(events) != 2 {
		t.Fatalf("received %d events, want snapshot + done: %v", len(events), events)
	}
	var snap model.JobEvent
	if err := json.Unmarshal([]byte(events[0].data), &snap); err != nil {
		t.Fatalf("snapshot event %q is not JSON: %v", events[0].data, err)
	}
	if snap.State != model.StateDone {
		t.Errorf("snapshot state = %q, want done", snap.State)
	}
	if events[1].name != "done" {
		t.Errorf("second event = %q, want done", events[1].name)
	}
}

func TestStreamEventsCanceledJob(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := submitJob(t, ts, "batch")

	// Cancel the job shortly after the stream attaches.
	deleteStatus := make(chan int, 1)
	go func() {
		time.Sleep(300 * time.Millisecond)
		req, _ := http.NewRequest("DELETE", ts.URL+"/api/v1/jobs/"+created.ID, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			deleteStatus <- 0
			return
		}
		resp.Body.Close()
		deleteStatus <- resp.StatusCode
	}()

	events := streamEvents(t, ts, created.ID)

	if got := <-deleteStatus; got != http.StatusAccepted {
		t.Fatalf("DELETE status = %d, want 202", got)
	}
	if len(events) < 2 {
		t.Fatalf("received %d events, want at least 2: %v", len(events), events)
	}

	var sawCanceled bool
	for _, ev := range events {
		if ev.name != "state" {
			continue
		}
		var state model.JobEvent
		if err := json.Unmarshal([]byte(ev.data), &state); err != nil {
			t.Fatalf("event data %q is not JSON: %v", ev.data, err)
		}
		if state.State == model.StateCanceled {
			sawCanceled = true
			if state.Detail != "canceled by request" {
				t.Errorf("canceled detail = %q", state.Detail)
			}
		}
	}
	if !sawCanceled {
		t.Errorf("stream never delivered the canceled state: %v", events)
	}
}
