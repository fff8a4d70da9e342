// ABOUTME: Tests for the SSE run event stream endpoint
// ABOUTME: Covers replay+live ordering, heartbeats, terminal close, and upstream failure frames

package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/run-gateway/internal/config"
	"github.com/2389/run-gateway/internal/run"
)

type sseFrame struct {
	event string
	id    string
	data  string
}

// openStream issues the stream request and parses SSE frames off the
// response body in a goroutine. Comment lines arrive on their own channel.
func openStream(t *testing.T, url string, headers map[string]string) (*http.Response, <-chan sseFrame, <-chan string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	frames := make(chan sseFrame, 32)
	comments := make(chan string, 32)

	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(resp.Body)
		var cur sseFrame
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if cur.event != "" || cur.data != "" {
					frames <- cur
				}
				cur = sseFrame{}
			case strings.HasPrefix(line, ":"):
				select {
				case comments <- strings.TrimSpace(strings.TrimPrefix(line, ":")):
				default:
				}
			case strings.HasPrefix(line, "event:"):
				cur.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "id:"):
				cur.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			case strings.HasPrefix(line, "data:"):
				cur.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()

	return resp, frames, comments
}

func nextFrame(t *testing.T, frames <-chan sseFrame) sseFrame {
	t.Helper()
	select {
	case f, ok := <-frames:
		require.True(t, ok, "stream closed while waiting for a frame")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE frame")
		return sseFrame{}
	}
}

func expectStreamEnd(t *testing.T, frames <-chan sseFrame) {
	t.Helper()
	select {
	case f, ok := <-frames:
		if ok {
			t.Fatalf("expected stream end, got frame %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream end")
	}
}

func decodeEvent(t *testing.T, f sseFrame) run.Event {
	t.Helper()

	var ev run.Event
	require.NoError(t, json.Unmarshal([]byte(f.data), &ev), "frame data %q", f.data)
	return ev
}

func TestStreamReplayThenLive(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	created := decodeRun(t, postJSON(t, srv.URL+"/v1/runs", `{"input":{"n":1}}`, nil))

	resp, frames, _ := openStream(t, srv.URL+"/v1/runs/"+created.ID+"/stream", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	// Replay: the queued event recorded before we subscribed.
	first := nextFrame(t, frames)
	assert.Equal(t, "run_queued", first.event)
	assert.Equal(t, "0", first.id)
	ev := decodeEvent(t, first)
	assert.Equal(t, created.ID, ev.RunID)
	assert.Equal(t, 0, ev.Seq)

	// Live: cancel while the stream is open.
	postJSON(t, srv.URL+"/v1/runs/"+created.ID+"/cancel", "", nil).Body.Close()

	second := nextFrame(t, frames)
	assert.Equal(t, "run_cancelled", second.event)
	assert.Equal(t, "1", second.id)
	ev = decodeEvent(t, second)
	assert.Equal(t, 1, ev.Seq)
	assert.JSONEq(t, `{"error":"run cancelled"}`, string(ev.Data))

	// Terminal event ends the stream.
	expectStreamEnd(t, frames)
}

func TestStreamTerminalRunReplaysHistory(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	created := decodeRun(t, postJSON(t, srv.URL+"/v1/runs", `{}`, nil))
	postJSON(t, srv.URL+"/v1/runs/"+created.ID+"/cancel", "", nil).Body.Close()

	_, frames, _ := openStream(t, srv.URL+"/v1/runs/"+created.ID+"/stream", nil)

	assert.Equal(t, "run_queued", nextFrame(t, frames).event)
	assert.Equal(t, "run_cancelled", nextFrame(t, frames).event)
	expectStreamEnd(t, frames)
}

func TestStreamUnknownRun(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	resp := getJSON(t, srv.URL+"/v1/runs/run_missing/stream", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	e := decodeError(t, resp)
	assert.Equal(t, codeRunNotFound, e.Code)
}

func TestStreamHeartbeat(t *testing.T) {
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Stream.Heartbeat = 40 * time.Millisecond
	})

	created := decodeRun(t, postJSON(t, srv.URL+"/v1/runs", `{}`, nil))

	_, frames, comments := openStream(t, srv.URL+"/v1/runs/"+created.ID+"/stream", nil)
	assert.Equal(t, "run_queued", nextFrame(t, frames).event)

	select {
	case c := <-comments:
		assert.Equal(t, "ping", c)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat arrived on an idle stream")
	}

	postJSON(t, srv.URL+"/v1/runs/"+created.ID+"/cancel", "", nil).Body.Close()
	assert.Equal(t, "run_cancelled", nextFrame(t, frames).event)
	expectStreamEnd(t, frames)
}

func TestStreamForbidden(t *testing.T) {
	const secret = "stream-test-secret"
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = secret
	})

	created := decodeRun(t, postJSON(t, srv.URL+"/v1/runs", `{}`, bearer(t, secret, "alice")))

	resp := getJSON(t, srv.URL+"/v1/runs/"+created.ID+"/stream", bearer(t, secret, "bob"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	e := decodeError(t, resp)
	assert.Equal(t, codeForbidden, e.Code)
}

func TestStreamSimulatedRunToCompletion(t *testing.T) {
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Local.Simulate = true
		cfg.Local.StartAfter = 10 * time.Millisecond
		cfg.Local.FinishAfter = 30 * time.Millisecond
	})

	created := decodeRun(t, postJSON(t, srv.URL+"/v1/runs", `{"input":{"n":1}}`, nil))

	_, frames, _ := openStream(t, srv.URL+"/v1/runs/"+created.ID+"/stream", nil)

	var types []string
	var seqs []int
	for range 3 {
		f := nextFrame(t, frames)
		ev := decodeEvent(t, f)
		types = append(types, f.event)
		seqs = append(seqs, ev.Seq)
		if ev.Type == run.EventSucceeded {
			assert.JSONEq(t, `{"echo":{"n":1}}`, string(ev.Data))
		}
	}

	assert.Equal(t, []string{"run_queued", "run_started", "run_succeeded"}, types)
	assert.Equal(t, []int{0, 1, 2}, seqs)
	expectStreamEnd(t, frames)
}

func TestStreamDisconnectLeavesRunUsable(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	created := decodeRun(t, postJSON(t, srv.URL+"/v1/runs", `{}`, nil))

	resp, frames, _ := openStream(t, srv.URL+"/v1/runs/"+created.ID+"/stream", nil)
	assert.Equal(t, "run_queued", nextFrame(t, frames).event)
	resp.Body.Close()

	// The abandoned subscriber must not block later operations or streams.
	postJSON(t, srv.URL+"/v1/runs/"+created.ID+"/cancel", "", nil).Body.Close()

	_, frames2, _ := openStream(t, srv.URL+"/v1/runs/"+created.ID+"/stream", nil)
	assert.Equal(t, "run_queued", nextFrame(t, frames2).event)
	assert.Equal(t, "run_cancelled", nextFrame(t, frames2).event)
	expectStreamEnd(t, frames2)
}

// writeUpstreamFrame emits one SSE frame in the coordinator wire format.
func writeUpstreamFrame(w http.ResponseWriter, ev run.Event) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type, ev.Seq, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func upstreamEvent(id string, seq int, typ run.EventType, data string) run.Event {
	ev := run.Event{RunID: id, Seq: seq, Type: typ, Time: time.Now().UTC()}
	if data != "" {
		ev.Data = json.RawMessage(data)
	}
	return ev
}

func TestStreamForwardingEndToEnd(t *testing.T) {
	f := newFakeCoordinator(t)
	f.streamFn = func(w http.ResponseWriter, r *http.Request, id string) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeUpstreamFrame(w, upstreamEvent(id, 0, run.EventQueued, ""))
		writeUpstreamFrame(w, upstreamEvent(id, 1, run.EventStarted, ""))
		writeUpstreamFrame(w, upstreamEvent(id, 2, run.EventSucceeded, `{"answer":42}`))
	}
	_, srv := newForwardingGateway(t, f)

	_, frames, _ := openStream(t, srv.URL+"/v1/runs/run_upstream/stream", nil)

	first := nextFrame(t, frames)
	assert.Equal(t, "run_queued", first.event)
	assert.Equal(t, "0", first.id)

	assert.Equal(t, "run_started", nextFrame(t, frames).event)

	last := nextFrame(t, frames)
	assert.Equal(t, "run_succeeded", last.event)
	ev := decodeEvent(t, last)
	assert.Equal(t, "run_upstream", ev.RunID)
	assert.JSONEq(t, `{"answer":42}`, string(ev.Data))

	expectStreamEnd(t, frames)
}

func TestStreamForwardingUpstreamDropEmitsErrorFrame(t *testing.T) {
	f := newFakeCoordinator(t)
	f.streamFn = func(w http.ResponseWriter, r *http.Request, id string) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeUpstreamFrame(w, upstreamEvent(id, 0, run.EventQueued, ""))
		// Connection drops with the run still in flight.
	}
	_, srv := newForwardingGateway(t, f)

	_, frames, _ := openStream(t, srv.URL+"/v1/runs/run_dropped/stream", nil)

	assert.Equal(t, "run_queued", nextFrame(t, frames).event)

	errFrame := nextFrame(t, frames)
	assert.Equal(t, "error", errFrame.event)

	var body errorResponse
	require.NoError(t, json.Unmarshal([]byte(errFrame.data), &body))
	assert.Equal(t, codeUpstreamUnavailable, body.Code)
	assert.NotEmpty(t, body.Error)

	expectStreamEnd(t, frames)
}

func TestStreamForwardingUnknownRun(t *testing.T) {
	f := newFakeCoordinator(t)
	f.streamFn = func(w http.ResponseWriter, r *http.Request, id string) {
		writeCoordinatorError(w, http.StatusNotFound)
	}
	_, srv := newForwardingGateway(t, f)

	resp := getJSON(t, srv.URL+"/v1/runs/run_absent/stream", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	e := decodeError(t, resp)
	assert.Equal(t, codeRunNotFound, e.Code)
}
