// ABOUTME: SSE streaming handler for live run event feeds
// ABOUTME: Writes replay then live events with heartbeats until the run reaches a terminal state

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/run-gateway/internal/auth"
	"github.com/2389/run-gateway/internal/run"
)

const defaultHeartbeat = 15 * time.Second

// handleStreamRun serves GET /v1/runs/{id}/stream as server-sent events.
// The subscription replays history first, then follows live events; the
// response ends after the terminal event or a stream failure.
func (g *Gateway) handleStreamRun(w http.ResponseWriter, r *http.Request, id string) {
	identity := auth.MustFromContext(r.Context())

	// Fail fast before touching run state if we can't stream at all.
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported", codeInternal)
		return
	}

	sub, err := g.dispatcher.StreamRun(r.Context(), id, identity)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	g.logger.Debug("stream opened", "run_id", id, "subject", identity.Subject)

	for _, ev := range sub.Replay() {
		if err := writeSSEEvent(w, ev); err != nil {
			return
		}
		flusher.Flush()
	}

	heartbeat := g.config.Stream.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			g.logger.Debug("stream client disconnected", "run_id", id)
			return

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, open := <-sub.Events():
			if !open {
				if err := sub.Err(); err != nil {
					g.logger.Warn("stream ended with error", "run_id", id, "error", err)
					g.writeStreamError(w, flusher, err)
				} else {
					g.logger.Debug("stream completed", "run_id", id)
				}
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			ticker.Reset(heartbeat)
		}
	}
}

// writeSSEEvent writes one run event as an SSE frame. The id field
// carries the event sequence number.
func writeSSEEvent(w io.Writer, ev run.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\nid: %d\n", ev.Type, ev.Seq); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}

// writeStreamError emits a final SSE error event before the stream closes.
func (g *Gateway) writeStreamError(w io.Writer, flusher http.Flusher, err error) {
	payload, mErr := json.Marshal(errorResponse{Error: err.Error(), Code: streamErrorCode(err)})
	if mErr != nil {
		return
	}
	if _, werr := fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload); werr != nil {
		return
	}
	flusher.Flush()
}

func streamErrorCode(err error) string {
	switch {
	case errors.Is(err, run.ErrSlowConsumer):
		return codeSlowConsumer
	case errors.Is(err, run.ErrUpstreamUnavailable):
		return codeUpstreamUnavailable
	case errors.Is(err, run.ErrNotFound):
		return codeRunNotFound
	case errors.Is(err, run.ErrForbidden):
		return codeForbidden
	default:
		return codeInternal
	}
}
