package domain

// ============================================================
// Health & API Responses
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
}

// SendMessageRequest is the body of POST /v1/conversations/{phone}/messages.
type SendMessageRequest struct {
	Message        string `json:"message"`
	MessageID      string `json:"message_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// SendMessageResponse is the synchronous reply to a conversation message.
type SendMessageResponse struct {
	TurnID        string     `json:"turn_id"`
	Messages      []string   `json:"messages"`
	Path          []NodeID   `json:"path"`
	DebtStatus    DebtStatus `json:"debt_status"`
	IsComplete    bool       `json:"is_complete"`
	RequiresHuman bool       `json:"requires_human"`
	Duplicate     bool       `json:"duplicate,omitempty"`
	LatencyMs     int64      `json:"latencyMs"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// ConversationMetrics is returned by GET /v1/metrics/conversations.
type ConversationMetrics struct {
	TotalTurns        int64   `json:"totalTurns"`
	ErrorRate         float64 `json:"errorRate"`
	Escalations       int64   `json:"escalations"`
	DuplicatesDropped int64   `json:"duplicatesDropped"`
	PromptTokens      int64   `json:"promptTokens"`
	CompletionTokens  int64   `json:"completionTokens"`
	CacheHitRate      float64 `json:"cacheHitRate"`
	Period            string  `json:"period"`
}
