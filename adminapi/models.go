package adminapi

import (
	"github.com/jmcleod/fieldkey/auditlog"
	"github.com/jmcleod/fieldkey/registry"
	"github.com/jmcleod/fieldkey/rotation"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string           `json:"error"`
	Record *rotation.Record `json:"record,omitempty"`
}

// ProvisionRequest is the optional body of a provision call.
type ProvisionRequest struct {
	InitiatedBy string `json:"initiated_by,omitempty"`
}

type ProvisionResponse struct {
	Key     registry.KeyVersion `json:"key"`
	Created bool                `json:"created"`
}

// VerifyOptions overrides the server's verification defaults.
type VerifyOptions struct {
	VerifySample *bool `json:"verify_sample,omitempty"`
	SampleSize   int   `json:"sample_size,omitempty"`
}

type StartRotationRequest struct {
	Reason      string `json:"reason,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`
	InitiatedBy string `json:"initiated_by,omitempty"`
	// Complete activates the new version in the same call.
	Complete bool `json:"complete,omitempty"`
	VerifyOptions
}

type RotateAllRequest struct {
	Reason      string `json:"reason,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`
	InitiatedBy string `json:"initiated_by,omitempty"`
	VerifyOptions
}

type CompleteRotationRequest struct {
	VerifyOptions
}

// OutcomeResponse is one owner's result in a bulk rotation.
type OutcomeResponse struct {
	Owner  string           `json:"owner"`
	Record *rotation.Record `json:"record,omitempty"`
	Error  string           `json:"error,omitempty"`
}

type RotateAllResponse struct {
	Outcomes  []OutcomeResponse `json:"outcomes"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

type RotateMasterRequest struct {
	InitiatedBy string `json:"initiated_by,omitempty"`
}

type RotateMasterResponse struct {
	// Scheduled is true when the backend rotates asynchronously.
	Scheduled bool `json:"scheduled"`
	// Pending is true when the backend cannot store the new secret; Secret
	// then holds it base64-encoded for the operator to publish.
	Pending bool   `json:"pending,omitempty"`
	Secret  string `json:"secret,omitempty"`
	Message string `json:"message,omitempty"`
}

type RecordListResponse struct {
	Records []rotation.Record `json:"records"`
	PaginationMeta
}

type AuditListResponse struct {
	Events []auditlog.Event `json:"events"`
}
