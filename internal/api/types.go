package api

import (
	"encoding/json"

	"github.com/mattjoyce/bexchange/internal/connector"
	"github.com/mattjoyce/bexchange/internal/registry"
	"github.com/mattjoyce/bexchange/internal/stats"
)

// SubmitRequest is the JSON body for POST /submit. Metadata is a group tree
// as in inbox documents. The payload comes inline (base64) or, for local
// producers, as a path on this host.
type SubmitRequest struct {
	Origin      string          `json:"origin,omitempty"`
	Metadata    json.RawMessage `json:"metadata"`
	Payload     []byte          `json:"payload,omitempty"`
	PayloadPath string          `json:"payload_path,omitempty"`
}

// SubmitResponse lists the per-processor outcomes of one submission.
type SubmitResponse struct {
	Item     string                `json:"item"`
	Status   string                `json:"status"`
	Outcomes []registry.Dispatched `json:"outcomes"`
}

// ProcessorResponse describes one processor.
type ProcessorResponse struct {
	Name              string             `json:"name"`
	Active            bool               `json:"active"`
	Running           bool               `json:"running"`
	Filter            string             `json:"filter"`
	FilterFingerprint string             `json:"filter_fingerprint"`
	Action            string             `json:"action"`
	Queued            bool               `json:"queued,omitempty"`
	AllowedOrigins    []string           `json:"allowed_origins,omitempty"`
	AllowDuplicates   bool               `json:"allow_duplicates"`
	Statistics        stats.Entry        `json:"statistics"`
	Connectors        []connector.Health `json:"connectors,omitempty"`
}

// SetActiveRequest is the body of PUT /processors/{name}/active.
type SetActiveRequest struct {
	Active *bool `json:"active"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Processors    int    `json:"processors"`
}
