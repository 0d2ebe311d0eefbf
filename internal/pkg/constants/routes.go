package constants

// Static route constants
const (
	APIRoute     = "/api"
	APIV1Group   = "/v1"
	AdminRoute   = "/admin"
	HealthRoute  = "/healthz"
	MetricsRoute = "/metrics"
	// Swagger UI base path; the document is served under DocsBasePath + "v1"
	DocsBasePath = "/docs/api/"
)
