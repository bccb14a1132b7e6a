package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.currentJob(r, id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for events", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing on a topic that already closed returns a closed channel, so
	// a job finishing between the snapshot above and this call cannot hang
	// the loop below.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	// The current state is always the first event, so clients need no
	// separate GET to know where the stream starts.
	last := job.State
	if err := writeStateEvent(w, snapshotEvent(job)); err != nil {
		return
	}
	if canFlush {
		flusher.Flush()
	}

	if model.Terminal(job.State) {
		_ = writeSSEEvent(w, "done", "stream complete")
		if canFlush {
			flusher.Flush()
		}
		return
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Topic closed. The terminal transition may have been
				// published before the subscription; re-read so the client
				// still sees it.
				if final, ferr := s.currentJob(r, id); ferr == nil && final.State != last {
					_ = writeStateEvent(w, snapshotEvent(final))
				}
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			last = ev.State
			if err := writeStateEvent(w, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// snapshotEvent converts a job record into the event that would have been
// published when it entered its current state.
func snapshotEvent(job *model.Job) model.JobEvent {
	ev := model.JobEvent{JobID: job.ID, State: job.State, Detail: job.Detail, At: job.CreatedAt}
	if job.StartedAt != nil {
		ev.At = *job.StartedAt
	}
	if job.FinishedAt != nil {
		ev.At = *job.FinishedAt
	}
	return ev
}

// writeStateEvent writes a state transition as a JSON-bodied SSE event.
func writeStateEvent(w http.ResponseWriter, ev model.JobEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, "state", string(b))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
