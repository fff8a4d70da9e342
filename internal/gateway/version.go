// ABOUTME: Version endpoint reporting service identity and supported API versions
// ABOUTME: The version string is overridden at build time via ldflags

package gateway

import "net/http"

// ServiceName identifies this service in version responses.
const ServiceName = "run-gateway"

// Version is set at build time via
// -ldflags "-X .../internal/gateway.Version=v1.2.3".
var Version = "0.1.0-dev"

// APIVersions lists the API version prefixes this build serves.
var APIVersions = []string{"v1"}

type versionResponse struct {
	ServiceName          string   `json:"service_name"`
	ServiceVersion       string   `json:"service_version"`
	SupportedAPIVersions []string `json:"supported_api_versions"`
}

func (g *Gateway) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed", codeMethodNotAllowed)
		return
	}

	g.sendJSON(w, http.StatusOK, versionResponse{
		ServiceName:          ServiceName,
		ServiceVersion:       Version,
		SupportedAPIVersions: APIVersions,
	})
}
