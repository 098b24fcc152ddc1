package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/store"
)

// sseHeartbeat keeps idle log streams open through proxies.
const sseHeartbeat = 15 * time.Second

// handleStreamLogs streams a training's progress lines as "progress" events
// and ends with a "done" event carrying the final status. A finished
// training yields an empty stream; its lines are served by the history
// endpoint.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	f, err := s.engine.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err, "get training for logs")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	if f.Info().Status.IsTerminal() {
		w.WriteHeader(http.StatusOK)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("clear write deadline for log stream", "error", err)
	}

	// The watcher closes the run's topic once the worker exits; subscribing
	// after that yields a closed channel.
	lines, unsubscribe := s.engine.Broker().Subscribe(f.RunID())
	defer unsubscribe()

	logStreams.Inc()
	defer logStreams.Dec()

	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		var err error
		select {
		case line, ok := <-lines:
			if !ok {
				_ = writeSSE(w, "done", string(f.Info().Status))
				_ = rc.Flush()
				return
			}
			err = writeSSE(w, "progress", line)
		case <-heartbeat.C:
			_, err = io.WriteString(w, ": keepalive\n\n")
		case <-r.Context().Done():
			return
		}
		if err != nil {
			return
		}
		_ = rc.Flush()
	}
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// logHistoryResponse is the JSON response for GET /v1/trainings/{id}/logs/history.
type logHistoryResponse struct {
	TrainingID string           `json:"training_id"`
	RunID      string           `json:"run_id"`
	Lines      []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Registered trainings resolve to their current run; purged ones fall
	// back to the most recent run recorded under the id.
	var runID string
	if f, err := s.engine.Lookup(id); err == nil {
		runID = f.RunID()
	} else {
		run, err := s.store.LatestRun(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.writeEngineError(w, engine.ErrNotFound, "get training for log history")
			return
		}
		if err != nil {
			s.logger.Error("get latest run for log history", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get training")
			return
		}
		runID = run.ID
	}

	logLines, err := s.store.GetLogLines(r.Context(), runID)
	if err != nil {
		s.logger.Error("get log lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		TrainingID: id,
		RunID:      runID,
		Lines:      lines,
	})
}

// writeSSE writes one named event. Each line of data gets its own "data:"
// field so multi-line payloads survive intact.
func writeSSE(w io.Writer, event, data string) error {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteByte('\n')
	for seg := range strings.SplitSeq(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(seg)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}
