// Package v1 is the wire contract of the marketplace gateway.
//
//	POST   /v1/leases                       LeaseRequest -> LeaseResponse
//	DELETE /v1/leases/{id}
//	PUT    /v1/leases/{id}/files?path=P     raw body stored at P
//	GET    /v1/leases/{id}/files?path=P     raw body of P
//	POST   /v1/leases/{id}/exec             ExecRequest -> ExecResponse
//	GET    /v1/leases/{id}/usage            UsageResponse
//	GET    /v1/events?after=C&wait=S        EventsResponse (long poll)
//
// Errors come back as ErrorResponse with a non-2xx status. 503 on lease
// creation means no provider accepted the demand yet; 404 or 410 on any
// lease route means the provider went away.
package v1

type Lease struct {
	ID           string `json:"id"`
	ProviderID   string `json:"provider_id"`
	ProviderName string `json:"provider_name"`
}

type LeaseRequest struct {
	SubnetTag string `json:"subnet_tag"`
}

type LeaseResponse struct {
	Lease Lease `json:"lease"`
}

type ExecRequest struct {
	Args      []string `json:"args"`
	TimeoutMS int64    `json:"timeout_ms"`
}

type ExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

type UsageResponse struct {
	State    string             `json:"state"`
	Counters map[string]float64 `json:"counters"`
	Cost     float64            `json:"cost"`
}

const (
	EventLeaseCreated = "lease_created"
	EventWorkerFailed = "worker_failed"
)

type Event struct {
	Kind  string `json:"kind"`
	Lease Lease  `json:"lease"`
	Error string `json:"error,omitempty"`
}

type EventsResponse struct {
	Cursor string  `json:"cursor"`
	Events []Event `json:"events"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
