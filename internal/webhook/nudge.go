package webhook

// Nudge is the wake-up message published to NSQ after a dispatch creates
// deliveries. It carries no authority: workers claim from the store, and a
// lost nudge only costs one poll interval of latency.
type Nudge struct {
	EventID      string            `json:"event_id"`
	DeliveryIDs  []string          `json:"delivery_ids"`
	TenantID     string            `json:"tenant_id"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}
