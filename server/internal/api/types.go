package api

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	KeyCount    int    `json:"key_count"`
	Capacity    int    `json:"history_capacity"`
	Subscribers int    `json:"subscribers"`
	PubSub      string `json:"pubsub"` // "disabled" or the connection state
	AlertCount  int    `json:"alert_count"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
