// Package dispatch sits between the HTTP handlers and the active store,
// applying input validation, ownership enforcement and audit recording
// identically in local and forwarding mode.
package dispatch
