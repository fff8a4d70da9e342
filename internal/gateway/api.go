// ABOUTME: HTTP API handlers for run lifecycle operations
// ABOUTME: Parses requests, invokes the dispatcher, and maps domain errors to JSON responses

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/run-gateway/internal/auth"
	"github.com/2389/run-gateway/internal/run"
)

// maxRequestBody caps start request bodies at 1 MiB.
const maxRequestBody = 1 << 20

// Machine-readable error codes returned alongside HTTP statuses.
const (
	codeRunNotFound         = "run_not_found"
	codeForbidden           = "forbidden"
	codeInvalidRequest      = "invalid_request"
	codeUpstreamUnavailable = "run_coordinator_unavailable"
	codeInternal            = "internal_error"
	codeMethodNotAllowed    = "method_not_allowed"
	codeSlowConsumer        = "slow_consumer"
)

// startRunRequest is the JSON request body for POST /v1/runs. Owner is
// honored only when auth is disabled; authenticated callers may at most
// restate their own identity.
type startRunRequest struct {
	Input json.RawMessage `json:"input"`
	Owner string          `json:"owner"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// handleRuns serves the /v1/runs collection route.
func (g *Gateway) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed", codeMethodNotAllowed)
		return
	}
	g.handleStartRun(w, r)
}

// handleRunSubpath dispatches /v1/runs/{id}, /v1/runs/{id}/cancel, and
// /v1/runs/{id}/stream.
func (g *Gateway) handleRunSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed", codeMethodNotAllowed)
			return
		}
		g.handleGetRun(w, r, parts[0])

	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed", codeMethodNotAllowed)
			return
		}
		g.handleCancelRun(w, r, parts[0])

	case len(parts) == 2 && parts[1] == "stream":
		if r.Method != http.MethodGet {
			g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed", codeMethodNotAllowed)
			return
		}
		g.handleStreamRun(w, r, parts[0])

	default:
		g.sendJSONError(w, http.StatusNotFound, "unknown path", codeRunNotFound)
	}
}

func (g *Gateway) handleStartRun(w http.ResponseWriter, r *http.Request) {
	identity := auth.MustFromContext(r.Context())

	req, err := parseStartRequest(w, r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error(), codeInvalidRequest)
		return
	}

	created, err := g.dispatcher.StartRun(r.Context(), req.Input, req.Owner, identity)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}

	g.logger.Info("run started", "run_id", created.ID, "owner", created.Owner)
	g.sendJSON(w, http.StatusOK, created)
}

func (g *Gateway) handleGetRun(w http.ResponseWriter, r *http.Request, id string) {
	identity := auth.MustFromContext(r.Context())

	rec, err := g.dispatcher.GetRun(r.Context(), id, identity)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleCancelRun(w http.ResponseWriter, r *http.Request, id string) {
	identity := auth.MustFromContext(r.Context())

	rec, err := g.dispatcher.CancelRun(r.Context(), id, identity)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}

	g.logger.Info("run cancel requested", "run_id", rec.ID, "status", rec.Status)
	g.sendJSON(w, http.StatusOK, rec)
}

// parseStartRequest decodes a start request body. An empty body is a
// valid request with empty input.
func parseStartRequest(w http.ResponseWriter, r *http.Request) (*startRunRequest, error) {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer body.Close()

	var req startRunRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return &startRunRequest{}, nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, errors.New("request body must be a JSON object")
	}

	return &req, nil
}

// writeDomainError maps a dispatcher error onto the wire contract.
// Unclassified errors collapse to a generic 500 with detail kept in logs.
func (g *Gateway) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, run.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error(), codeRunNotFound)
	case errors.Is(err, run.ErrForbidden):
		g.sendJSONError(w, http.StatusForbidden, err.Error(), codeForbidden)
	case errors.Is(err, run.ErrInvalidInput):
		g.sendJSONError(w, http.StatusBadRequest, err.Error(), codeInvalidRequest)
	case errors.Is(err, run.ErrUpstreamUnavailable):
		g.sendJSONError(w, http.StatusBadGateway, err.Error(), codeUpstreamUnavailable)
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error", codeInternal)
	}
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code}); err != nil {
		g.logger.Error("failed to encode error response", "error", err)
	}
}
