// Package agent serves the image pull API over a Unix socket.
package agent

import "github.com/majorcontext/guestpull/internal/sandbox"

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	PID         int    `json:"pid"`
	StartedAt   string `json:"started_at"`
	Backend     string `json:"backend"`
	SideService string `json:"side_service"`
	ImageCount  int    `json:"image_count"`
}

// ImagesResponse is returned by GET /v1/images.
type ImagesResponse struct {
	Images []sandbox.Image `json:"images"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}
