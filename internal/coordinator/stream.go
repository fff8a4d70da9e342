// ABOUTME: SSE reader for the coordinator's run event stream
// ABOUTME: Parses event frames into run.Event values with a bounded buffer and overflow disconnect

package coordinator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/2389/run-gateway/internal/run"
)

// maxEventSize bounds a single SSE frame read from the coordinator.
const maxEventSize = 1024 * 1024

// StreamRun opens the coordinator's live event stream for a run. Only the
// connection attempt is retried. Once events flow, a broken stream
// surfaces as an error on the returned source instead of a reconnect,
// since a reconnect could replay events the caller already saw.
func (c *Client) StreamRun(ctx context.Context, id string) (run.EventSource, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.GetRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("waiting to retry: %w", ctx.Err())
			case <-time.After(c.cfg.RetryBackoff):
			}
			c.logger.Debug("retrying stream connect", "run_id", id, "attempt", attempt)
		}
		src, err := c.connectStream(ctx, id)
		if err == nil {
			return src, nil
		}
		lastErr = err
		if !errors.Is(err, run.ErrUpstreamUnavailable) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) connectStream(ctx context.Context, id string) (run.EventSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/runs/"+id+"/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}

	es := &eventStream{
		runID:  id,
		body:   resp.Body,
		ch:     make(chan run.Event, c.cfg.StreamBuffer),
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go es.readLoop(ctx)
	return es, nil
}

// eventStream implements run.EventSource over one SSE response body.
// Only the read loop sends on ch and only the read loop closes it, so
// no extra send/close coordination is needed.
type eventStream struct {
	runID  string
	body   io.ReadCloser
	ch     chan run.Event
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *eventStream) Events() <-chan run.Event { return s.ch }

func (s *eventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream. Closing the body is what unblocks a read loop
// waiting on the socket.
func (s *eventStream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.body.Close()
	})
}

// finish records the stream outcome and closes the event channel.
func (s *eventStream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

func (s *eventStream) readLoop(ctx context.Context) {
	defer s.body.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var eventName string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line ends a frame.
		if line == "" {
			if len(dataLines) > 0 {
				if stop := s.dispatch(eventName, strings.Join(dataLines, "\n")); stop {
					return
				}
			}
			eventName = ""
			dataLines = nil
			continue
		}
		// Comment lines are heartbeats.
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
		// id: and unknown fields are skipped; the payload carries its own
		// sequence number.
	}

	// The scan ends on EOF, a read error, a deliberate Close, or the
	// caller's context ending. Only the first two are upstream failures.
	select {
	case <-s.done:
		s.finish(nil)
		return
	default:
	}
	if ctx.Err() != nil {
		s.finish(nil)
		return
	}
	if err := scanner.Err(); err != nil {
		s.finish(fmt.Errorf("%w: reading stream: %v", run.ErrUpstreamUnavailable, err))
		return
	}
	s.finish(fmt.Errorf("%w: stream ended before the run finished", run.ErrUpstreamUnavailable))
}

// dispatch handles one complete SSE frame. It reports true when the
// stream is finished and the read loop should stop.
func (s *eventStream) dispatch(eventName, data string) bool {
	if eventName == "error" {
		var eb errorBody
		if json.Unmarshal([]byte(data), &eb) == nil && eb.Error != "" {
			s.finish(errorFromCode(eb.Code, eb.Error))
		} else {
			s.finish(fmt.Errorf("%w: upstream reported a stream error", run.ErrUpstreamUnavailable))
		}
		return true
	}

	var ev run.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		s.finish(fmt.Errorf("%w: malformed event: %v", run.ErrUpstreamUnavailable, err))
		return true
	}
	if ev.RunID == "" {
		ev.RunID = s.runID
	}

	select {
	case s.ch <- ev:
	case <-s.done:
		s.finish(nil)
		return true
	default:
		s.logger.Warn("disconnecting slow stream reader", "run_id", s.runID)
		s.finish(run.ErrSlowConsumer)
		return true
	}

	if ev.Type.Terminal() {
		s.finish(nil)
		return true
	}
	return false
}

// errorFromCode maps a coordinator error code onto the gateway's error
// kinds. Codes outside the known set read as an unavailable upstream.
func errorFromCode(code, msg string) error {
	switch code {
	case "run_not_found":
		return fmt.Errorf("%w: %s", run.ErrNotFound, msg)
	case "forbidden", "unauthorized":
		return fmt.Errorf("%w: %s", run.ErrForbidden, msg)
	case "invalid_request":
		return fmt.Errorf("%w: %s", run.ErrInvalidInput, msg)
	case "slow_consumer":
		return fmt.Errorf("%w: %s", run.ErrSlowConsumer, msg)
	}
	return fmt.Errorf("%w: %s", run.ErrUpstreamUnavailable, msg)
}
