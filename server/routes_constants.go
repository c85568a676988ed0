package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Connection lifecycle
	RouteConnect     = "/connect/{provider}"
	RouteCallback    = "/oauth/callback"
	RouteConnections = "/connections"
	RouteDisconnect  = "/connections/{provider}"

	// Connectivity monitor
	RouteWebhook = "/webhooks/{provider}"
	RouteStream  = "/events/stream"

	// Operational
	RouteHealth = "/healthz"
)

// WebhookSignatureHeader carries the provider's HMAC signature over the
// raw request body.
const WebhookSignatureHeader = "X-Webhook-Signature"
