// ABOUTME: Health endpoint with per-dependency checks
// ABOUTME: Aggregates upstream coordinator health in forwarding mode

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const healthCheckTimeout = 5 * time.Second

type healthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status string        `json:"status"`
	Mode   string        `json:"mode"`
	Checks []healthCheck `json:"checks"`
}

// handleHealth reports gateway liveness. The HTTP status is always 200
// while the process serves requests; a failing dependency degrades the
// body, not the status code.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed", codeMethodNotAllowed)
		return
	}

	resp := healthResponse{
		Status: "ok",
		Mode:   g.config.Mode(),
		Checks: []healthCheck{{Name: "gateway", Status: "ok"}},
	}

	if g.upstream != nil {
		check := g.checkCoordinator(r.Context())
		if check.Status != "ok" {
			resp.Status = "degraded"
		}
		resp.Checks = append(resp.Checks, check)
	}

	g.sendJSON(w, http.StatusOK, resp)
}

// checkCoordinator probes the upstream coordinator health endpoint.
func (g *Gateway) checkCoordinator(ctx context.Context) healthCheck {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	check := healthCheck{Name: "run_coordinator", Status: "ok"}

	status, err := g.upstream.Health(ctx)
	switch {
	case err != nil:
		check.Status = "degraded"
		check.Message = err.Error()
	case status != "ok":
		check.Status = "degraded"
		check.Message = fmt.Sprintf("coordinator reports %s", status)
	}

	return check
}
