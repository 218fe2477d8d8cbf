package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
	Error       string `json:"error,omitempty"`
}

// MetricsSummary is returned by GET /v1/metrics/summary.
type MetricsSummary struct {
	ConversionsSucceeded float64 `json:"conversionsSucceeded"`
	ConversionsPartial   float64 `json:"conversionsPartial"`
	ConversionsRejected  float64 `json:"conversionsRejected"`
	ConversionRate       float64 `json:"conversionRate"`
	DegradedScopes       float64 `json:"degradedScopes"`
	ProfilesResolved     float64 `json:"profilesResolved"`
	ProfilesDefaulted    float64 `json:"profilesDefaulted"`
	ProfilesNotFound     float64 `json:"profilesNotFound"`
	ActiveSubscriptions  float64 `json:"activeSubscriptions"`
	IdempotentReplays    float64 `json:"idempotentReplays"`
	StoreErrors          float64 `json:"storeErrors"`
	Period               string  `json:"period"`
}

// ============================================================
// Generic API Response wrappers
// ============================================================

// ListResponse wraps list results.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
